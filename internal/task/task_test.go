package task

import (
	"errors"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		task Task
		want string
	}{
		{
			name: "update keyed by message",
			task: Task{Kind: KindUpdateMessage, ScheduleID: "s1", GuildID: "g1", MessageID: "m1"},
			want: "s1:m1",
		},
		{
			name: "reminder keyed by guild",
			task: Task{Kind: KindSendReminder, ScheduleID: "s1", GuildID: "g1", MessageID: "m1"},
			want: "s1:g1",
		},
		{
			name: "close keyed by guild",
			task: Task{Kind: KindCloseSchedule, ScheduleID: "s2", GuildID: "g9"},
			want: "s2:g9",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Key(); got != tt.want {
				t.Fatalf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseValid(t *testing.T) {
	t.Parallel()
	body := []byte(`{"kind":"update-message","scheduleId":"s1","guildId":"g1","channelId":"c1","messageId":"m1","timestamp":1700000000000}`)
	got, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Kind != KindUpdateMessage || got.ScheduleID != "s1" || got.MessageID != "m1" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if !got.Time().Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("Time() = %v", got.Time())
	}
}

func TestParseDefaultsTimestamp(t *testing.T) {
	t.Parallel()
	before := time.Now().UnixMilli()
	got, err := Parse([]byte(`{"kind":"send_reminder","scheduleId":"s1","guildId":"g1"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Timestamp < before {
		t.Fatalf("Timestamp = %d, want >= %d", got.Timestamp, before)
	}
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{{{`},
		{name: "unknown kind", body: `{"kind":"destroy","scheduleId":"s1","guildId":"g1"}`},
		{name: "update missing message id", body: `{"kind":"update-message","scheduleId":"s1","guildId":"g1","channelId":"c1"}`},
		{name: "update missing channel id", body: `{"kind":"update-message","scheduleId":"s1","guildId":"g1","messageId":"m1"}`},
		{name: "missing schedule id", body: `{"kind":"send_reminder","guildId":"g1"}`},
		{name: "missing guild id", body: `{"kind":"send_summary","scheduleId":"s1"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Parse(%s) error = %v, want ErrMalformed", tt.body, err)
			}
		})
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	t.Parallel()
	in := Task{
		Kind:          KindSendSummary,
		ScheduleID:    "s1",
		GuildID:       "g1",
		CustomMessage: "thanks everyone",
		Timestamp:     1700000000500,
	}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}
