// Package summary turns a schedule and its votes into the outbound message
// text. Rendering is plain text; the chat layer sends it verbatim.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/retoruto-carry/choseichan-sub004/internal/storage"
)

var ErrNotFound = errors.New("schedule not found")

// DateTally is the vote breakdown for one candidate date.
type DateTally struct {
	Date  string
	Yes   int
	Maybe int
	No    int
}

// Summary is the aggregated view of one schedule.
type Summary struct {
	ScheduleID string
	GuildID    string
	ChannelID  string
	MessageID  string
	Title      string
	Deadline   time.Time
	Closed     bool
	Voters     int
	Tallies    []DateTally
}

// Provider aggregates storage state into summaries.
type Provider struct {
	store storage.Store
}

func NewProvider(store storage.Store) *Provider {
	return &Provider{store: store}
}

// GetSummary loads the schedule and its votes and tallies answers per
// candidate date. Votes for dates no longer on the schedule are ignored.
func (p *Provider) GetSummary(ctx context.Context, scheduleID, guildID string) (Summary, error) {
	sc, err := p.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Summary{}, fmt.Errorf("%s: %w", scheduleID, ErrNotFound)
		}
		return Summary{}, err
	}
	if guildID != "" && sc.GuildID != guildID {
		return Summary{}, fmt.Errorf("%s: %w", scheduleID, ErrNotFound)
	}

	votes, err := p.store.ListVotes(ctx, scheduleID)
	if err != nil {
		return Summary{}, err
	}

	idx := make(map[string]int, len(sc.Dates))
	tallies := make([]DateTally, len(sc.Dates))
	for i, d := range sc.Dates {
		idx[d] = i
		tallies[i] = DateTally{Date: d}
	}
	voters := map[string]struct{}{}
	for _, v := range votes {
		i, ok := idx[v.Date]
		if !ok {
			continue
		}
		voters[v.UserID] = struct{}{}
		switch v.Answer {
		case storage.AnswerYes:
			tallies[i].Yes++
		case storage.AnswerMaybe:
			tallies[i].Maybe++
		case storage.AnswerNo:
			tallies[i].No++
		}
	}

	return Summary{
		ScheduleID: sc.ID,
		GuildID:    sc.GuildID,
		ChannelID:  sc.ChannelID,
		MessageID:  sc.MessageID,
		Title:      sc.Title,
		Deadline:   sc.Deadline,
		Closed:     sc.Closed,
		Voters:     len(voters),
		Tallies:    tallies,
	}, nil
}

// Render produces the live schedule message body.
func Render(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📅 %s\n", s.Title)
	if s.Closed {
		b.WriteString("Status: closed\n")
	} else if !s.Deadline.IsZero() {
		fmt.Fprintf(&b, "Deadline: %s\n", s.Deadline.UTC().Format("2006-01-02 15:04 MST"))
	}
	b.WriteString("\n")
	for _, t := range s.Tallies {
		fmt.Fprintf(&b, "%s  ✅%d  ❓%d  ❌%d\n", t.Date, t.Yes, t.Maybe, t.No)
	}
	fmt.Fprintf(&b, "\n%d voted", s.Voters)
	return b.String()
}

// RenderFinal produces the closing message body: the regular rendering plus
// the best candidate line. Ties keep the earliest listed date.
func RenderFinal(s Summary) string {
	best, bestScore := "", -1
	for _, t := range s.Tallies {
		if t.Yes > bestScore {
			best, bestScore = t.Date, t.Yes
		}
	}
	body := Render(s)
	if best == "" {
		return body
	}
	return body + fmt.Sprintf("\n🏁 Final: %s (%d yes)", best, bestScore)
}
