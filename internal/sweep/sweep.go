// Package sweep periodically scans storage for schedules whose deadline is
// near or past and publishes the corresponding reminder-family tasks. The
// sweeper only produces tasks; all side effects happen in dispatch.
package sweep

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/retoruto-carry/choseichan-sub004/internal/queue"
	"github.com/retoruto-carry/choseichan-sub004/internal/storage"
	"github.com/retoruto-carry/choseichan-sub004/internal/task"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

// Config controls sweep cadence and reminder timing.
type Config struct {
	// Spec is a cron expression or @every descriptor. Default "@every 1m".
	Spec string
	// ReminderLead is how long before the deadline the reminder fires.
	// Default 1h.
	ReminderLead time.Duration
	// SummaryDelay spaces the final summary after the closing edit so the
	// close lands first. Default 5s.
	SummaryDelay time.Duration
	// Timezone for cron evaluation; empty means local time.
	Timezone string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Spec) == "" {
		c.Spec = "@every 1m"
	}
	if c.ReminderLead <= 0 {
		c.ReminderLead = time.Hour
	}
	if c.SummaryDelay <= 0 {
		c.SummaryDelay = 5 * time.Second
	}
	return c
}

// Sweeper owns the cron loop. Construct with New, then Start/Stop.
type Sweeper struct {
	mu     sync.Mutex
	cfg    Config
	store  storage.Store
	pub    queue.Publisher
	log    logx.Logger
	now    func() time.Time
	parser cron.Parser
	c      *cron.Cron
}

type Option func(*Sweeper)

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, store storage.Store, pub queue.Publisher, log logx.Logger, opts ...Option) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sweeper{
		cfg:    cfg.withDefaults(),
		store:  store,
		pub:    pub,
		log:    log,
		now:    time.Now,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		if err := s.Sweep(ctx); err != nil {
			s.log.Warn("sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("sweeper started", logx.String("spec", s.cfg.Spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("sweeper stopped")
}

// Sweep runs one pass: publish reminders for deadlines inside the lead
// window, and close + summarize schedules whose deadline has passed. Publish
// failures for one schedule never stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()

	due, err := s.store.DueReminders(ctx, now, s.cfg.ReminderLead)
	if err != nil {
		return err
	}
	for _, sc := range due {
		t := task.Task{
			Kind:       task.KindSendReminder,
			ScheduleID: sc.ID,
			GuildID:    sc.GuildID,
			Timestamp:  now.UnixMilli(),
		}
		if err := s.pub.Publish(ctx, t, 0); err != nil {
			s.log.Warn("publish reminder failed", logx.String("schedule", sc.ID), logx.Err(err))
		}
	}

	expired, err := s.store.DueClosings(ctx, now)
	if err != nil {
		return err
	}
	for _, sc := range expired {
		closeTask := task.Task{
			Kind:       task.KindCloseSchedule,
			ScheduleID: sc.ID,
			GuildID:    sc.GuildID,
			Timestamp:  now.UnixMilli(),
		}
		if err := s.pub.Publish(ctx, closeTask, 0); err != nil {
			s.log.Warn("publish close failed", logx.String("schedule", sc.ID), logx.Err(err))
			continue
		}
		summaryTask := task.Task{
			Kind:       task.KindSendSummary,
			ScheduleID: sc.ID,
			GuildID:    sc.GuildID,
			Timestamp:  now.UnixMilli(),
		}
		if err := s.pub.Publish(ctx, summaryTask, s.cfg.SummaryDelay); err != nil {
			s.log.Warn("publish summary failed", logx.String("schedule", sc.ID), logx.Err(err))
		}
	}

	if len(due) > 0 || len(expired) > 0 {
		s.log.Info("sweep pass", logx.Int("reminders", len(due)), logx.Int("closings", len(expired)))
	}
	return nil
}
