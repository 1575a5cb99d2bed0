package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/retoruto-carry/choseichan-sub004/internal/storage"
)

func seedStore(t *testing.T) *storage.Memory {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()
	if err := store.CreateSchedule(ctx, storage.Schedule{
		ID:        "s1",
		GuildID:   "g1",
		ChannelID: "100",
		MessageID: "200",
		Title:     "team dinner",
		Dates:     []string{"fri", "sat"},
		Deadline:  time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	votes := []storage.Vote{
		{ScheduleID: "s1", UserID: "u1", UserName: "alice", Date: "fri", Answer: storage.AnswerYes},
		{ScheduleID: "s1", UserID: "u1", UserName: "alice", Date: "sat", Answer: storage.AnswerMaybe},
		{ScheduleID: "s1", UserID: "u2", UserName: "bob", Date: "fri", Answer: storage.AnswerNo},
		{ScheduleID: "s1", UserID: "u2", UserName: "bob", Date: "sat", Answer: storage.AnswerYes},
		{ScheduleID: "s1", UserID: "u3", UserName: "carol", Date: "sat", Answer: storage.AnswerYes},
		// Vote for a date that was removed from the schedule.
		{ScheduleID: "s1", UserID: "u9", UserName: "mallory", Date: "thu", Answer: storage.AnswerYes},
	}
	for _, v := range votes {
		if err := store.CastVote(ctx, v); err != nil {
			t.Fatalf("CastVote: %v", err)
		}
	}
	return store
}

func TestGetSummaryTallies(t *testing.T) {
	t.Parallel()
	p := NewProvider(seedStore(t))
	s, err := p.GetSummary(context.Background(), "s1", "g1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if s.Voters != 3 {
		t.Fatalf("Voters = %d, want 3 (removed-date voter must not count)", s.Voters)
	}
	if len(s.Tallies) != 2 {
		t.Fatalf("Tallies = %d, want 2", len(s.Tallies))
	}
	fri, sat := s.Tallies[0], s.Tallies[1]
	if fri.Date != "fri" || fri.Yes != 1 || fri.Maybe != 0 || fri.No != 1 {
		t.Fatalf("fri tally = %+v", fri)
	}
	if sat.Date != "sat" || sat.Yes != 2 || sat.Maybe != 1 || sat.No != 0 {
		t.Fatalf("sat tally = %+v", sat)
	}
}

func TestGetSummaryVoteChangeReplacesAnswer(t *testing.T) {
	t.Parallel()
	store := seedStore(t)
	ctx := context.Background()
	if err := store.CastVote(ctx, storage.Vote{
		ScheduleID: "s1", UserID: "u2", UserName: "bob", Date: "fri", Answer: storage.AnswerYes,
	}); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	s, err := NewProvider(store).GetSummary(ctx, "s1", "g1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	fri := s.Tallies[0]
	if fri.Yes != 2 || fri.No != 0 {
		t.Fatalf("fri tally after vote change = %+v, want yes=2 no=0", fri)
	}
}

func TestGetSummaryNotFound(t *testing.T) {
	t.Parallel()
	p := NewProvider(seedStore(t))
	if _, err := p.GetSummary(context.Background(), "ghost", "g1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown schedule error = %v, want ErrNotFound", err)
	}
	// A schedule queried under the wrong guild is invisible.
	if _, err := p.GetSummary(context.Background(), "s1", "g2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("guild mismatch error = %v, want ErrNotFound", err)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	s := Summary{
		Title:    "standup time",
		Deadline: time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC),
		Voters:   2,
		Tallies: []DateTally{
			{Date: "mon", Yes: 2, Maybe: 0, No: 1},
			{Date: "tue", Yes: 1, Maybe: 1, No: 0},
		},
	}
	got := Render(s)
	for _, want := range []string{
		"📅 standup time",
		"Deadline: 2026-08-30 18:00 UTC",
		"mon  ✅2  ❓0  ❌1",
		"tue  ✅1  ❓1  ❌0",
		"2 voted",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("Render missing %q in:\n%s", want, got)
		}
	}
	if strings.Contains(got, "closed") {
		t.Fatalf("open schedule rendered as closed:\n%s", got)
	}
}

func TestRenderClosedStatus(t *testing.T) {
	t.Parallel()
	got := Render(Summary{Title: "x", Closed: true, Deadline: time.Now()})
	if !strings.Contains(got, "Status: closed") {
		t.Fatalf("closed schedule must show closed status:\n%s", got)
	}
	if strings.Contains(got, "Deadline:") {
		t.Fatalf("closed schedule must not show a deadline:\n%s", got)
	}
}

func TestRenderFinalPicksBestDate(t *testing.T) {
	t.Parallel()
	s := Summary{
		Title:  "offsite",
		Closed: true,
		Tallies: []DateTally{
			{Date: "mon", Yes: 2},
			{Date: "tue", Yes: 3},
			{Date: "wed", Yes: 3}, // tie loses to the earlier date
		},
	}
	got := RenderFinal(s)
	if !strings.Contains(got, "🏁 Final: tue (3 yes)") {
		t.Fatalf("RenderFinal = %q", got)
	}
}

func TestRenderFinalNoDates(t *testing.T) {
	t.Parallel()
	got := RenderFinal(Summary{Title: "empty", Closed: true})
	if strings.Contains(got, "🏁") {
		t.Fatalf("no candidate dates must omit the final line:\n%s", got)
	}
}
