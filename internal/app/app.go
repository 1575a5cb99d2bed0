// Package app wires the process together: config, logging, storage, queues,
// the coordination layer, and the sweeper. Every long-lived component is
// constructed here and passed by reference; nothing reaches for globals.
package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/retoruto-carry/choseichan-sub004/internal/chat"
	"github.com/retoruto-carry/choseichan-sub004/internal/chat/telegram"
	"github.com/retoruto-carry/choseichan-sub004/internal/config"
	"github.com/retoruto-carry/choseichan-sub004/internal/coordinator/admission"
	"github.com/retoruto-carry/choseichan-sub004/internal/coordinator/ratelimit"
	"github.com/retoruto-carry/choseichan-sub004/internal/dispatch"
	"github.com/retoruto-carry/choseichan-sub004/internal/eventbus"
	"github.com/retoruto-carry/choseichan-sub004/internal/queue"
	"github.com/retoruto-carry/choseichan-sub004/internal/runtime/supervisor"
	"github.com/retoruto-carry/choseichan-sub004/internal/storage"
	"github.com/retoruto-carry/choseichan-sub004/internal/summary"
	"github.com/retoruto-carry/choseichan-sub004/internal/sweep"
	"github.com/retoruto-carry/choseichan-sub004/internal/task"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   storage.Store
	chat    chat.Client
	limiter *ratelimit.Limiter

	updates   *queue.Memory
	reminders *queue.Memory

	updatePoller   *dispatch.Poller
	reminderPoller *dispatch.Poller
	sweeper        *sweep.Sweeper

	pollInterval time.Duration
	maxBatch     int
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "boot"))
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	apiTimeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	chatClient, err := telegram.New(telegram.Config{
		Token:         cfg.Telegram.Token,
		RatePerSecond: cfg.Telegram.RatePerSec,
		Burst:         cfg.Telegram.Burst,
		Timeout:       apiTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	visibility, err := config.ParseDurationOrDefault("queue.visibility_timeout", cfg.Queue.VisibilityTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	updates := queue.NewMemory(queue.WithVisibilityTimeout(visibility))
	reminders := queue.NewMemory(queue.WithVisibilityTimeout(visibility))

	delay, err := config.ParseDurationOrDefault("updater.delay", cfg.Updater.Delay, 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(ratelimit.Config{
		MaxConcurrent: cfg.Updater.MaxConcurrent,
		Delay:         delay,
	}, log.With(logx.String("comp", "ratelimit")))

	minInterval, err := config.ParseDurationOrDefault("updater.min_interval", cfg.Updater.MinInterval, time.Second)
	if err != nil {
		return nil, err
	}
	window, err := config.ParseDurationOrDefault("updater.window", cfg.Updater.Window, 10*time.Second)
	if err != nil {
		return nil, err
	}
	gate := admission.NewController(admission.Config{
		MinInterval:         minInterval,
		MaxUpdatesPerWindow: cfg.Updater.MaxUpdatesPerWindow,
		Window:              window,
	}, store.Admission(), log.With(logx.String("comp", "admission")))

	summaries := summary.NewProvider(store)

	updateConsumer := dispatch.NewUpdateConsumer(limiter, gate, summaries, chatClient, bus,
		log.With(logx.String("comp", "dispatch.updates")))

	fanoutDelay, err := config.ParseDurationField("reminder.fanout_delay", cfg.Reminder.FanoutDelay)
	if err != nil {
		return nil, err
	}
	reminderConsumer := dispatch.NewReminderConsumer(store, summaries, chatClient, gate, limiter,
		dispatch.ReminderOptions{
			FanoutSize:  cfg.Reminder.FanoutSize,
			FanoutDelay: fanoutDelay,
			MaxRetries:  cfg.Reminder.MaxRetries,
		}, bus, log.With(logx.String("comp", "dispatch.reminders")))

	pollInterval, err := config.ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, 250*time.Millisecond)
	if err != nil {
		return nil, err
	}
	maxBatch := cfg.Queue.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 10
	}

	reminderLead, err := config.ParseDurationField("sweep.reminder_lead", cfg.Sweep.ReminderLead)
	if err != nil {
		return nil, err
	}
	summaryDelay, err := config.ParseDurationField("sweep.summary_delay", cfg.Sweep.SummaryDelay)
	if err != nil {
		return nil, err
	}
	sweeper := sweep.New(sweep.Config{
		Spec:         cfg.Sweep.Spec,
		ReminderLead: reminderLead,
		SummaryDelay: summaryDelay,
		Timezone:     cfg.Sweep.Timezone,
	}, store, reminders, log.With(logx.String("comp", "sweep")))

	a := &App{
		cfgm:         cfgm,
		logs:         logSvc,
		log:          log,
		bus:          bus,
		store:        store,
		chat:         chatClient,
		limiter:      limiter,
		updates:      updates,
		reminders:    reminders,
		sweeper:      sweeper,
		pollInterval: pollInterval,
		maxBatch:     maxBatch,
	}
	a.updatePoller = dispatch.NewPoller("updates", updates, updateConsumer, pollInterval, maxBatch,
		log.With(logx.String("comp", "poller")))
	a.reminderPoller = dispatch.NewPoller("reminders", reminders, reminderConsumer, pollInterval, maxBatch,
		log.With(logx.String("comp", "poller")))
	return a, nil
}

// Updates is the publisher vote handlers use to request a summary refresh.
func (a *App) Updates() queue.Publisher { return a.updates }

// Reminders is the publisher for deadline-family tasks.
func (a *App) Reminders() queue.Publisher { return a.reminders }

// Store exposes the schedule repository to inbound handlers.
func (a *App) Store() storage.Store { return a.store }

// PublishUpdate enqueues a summary refresh for a schedule's live message.
func (a *App) PublishUpdate(ctx context.Context, scheduleID, guildID, channelID, messageID string) error {
	return a.updates.Publish(ctx, task.Task{
		Kind:       task.KindUpdateMessage,
		ScheduleID: scheduleID,
		GuildID:    guildID,
		ChannelID:  channelID,
		MessageID:  messageID,
		Timestamp:  time.Now().UnixMilli(),
	}, 0)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	// Logging honors hot reloads; everything else keeps its boot snapshot
	// until restart.
	cfgCh := a.cfgm.Subscribe(1)
	a.sup.Go("config.apply", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(cfgCh)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-cfgCh:
				if !ok {
					return nil
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied")
			}
		}
	})

	a.sup.GoRestart("poller.updates", a.updatePoller.Run)
	a.sup.GoRestart("poller.reminders", a.reminderPoller.Run)

	// Observability tap: dispatch lifecycle events at debug level.
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go("eventlog", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if err := a.sweeper.Start(a.sup.Context()); err != nil {
		return err
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sweeper.Stop()
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	a.updates.Close()
	a.reminders.Close()
	a.limiter.Close()
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
