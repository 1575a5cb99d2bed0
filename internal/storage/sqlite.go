package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Admission() AdmissionKV { return s }

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc Schedule) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	dates, err := json.Marshal(sc.Dates)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, guild_id, channel_id, message_id, title, dates, deadline, closed, reminder_sent, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.GuildID, sc.ChannelID, sc.MessageID, sc.Title, string(dates),
		nullMilli(sc.Deadline), boolInt(sc.Closed), boolInt(sc.ReminderSent), sc.CreatedAt.UnixMilli(),
	)
	return err
}

const scheduleCols = `id, guild_id, channel_id, message_id, title, dates, deadline, closed, reminder_sent, created_at`

func scanSchedule(row interface{ Scan(...any) error }) (Schedule, error) {
	var (
		sc       Schedule
		dates    string
		deadline sql.NullInt64
		closed   int
		reminded int
		created  int64
	)
	err := row.Scan(&sc.ID, &sc.GuildID, &sc.ChannelID, &sc.MessageID, &sc.Title,
		&dates, &deadline, &closed, &reminded, &created)
	if err != nil {
		return Schedule{}, err
	}
	if err := json.Unmarshal([]byte(dates), &sc.Dates); err != nil {
		return Schedule{}, fmt.Errorf("decode dates: %w", err)
	}
	if deadline.Valid {
		sc.Deadline = time.UnixMilli(deadline.Int64)
	}
	sc.Closed = closed != 0
	sc.ReminderSent = reminded != 0
	sc.CreatedAt = time.UnixMilli(created)
	return sc, nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sc, err
}

func (s *sqliteStore) SetMessageID(ctx context.Context, scheduleID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET message_id = ? WHERE id = ?`, messageID, scheduleID)
	if err != nil {
		return err
	}
	return requireHit(res, scheduleID)
}

func (s *sqliteStore) CastVote(ctx context.Context, v Vote) error {
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO votes(schedule_id, user_id, user_name, date, answer, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(schedule_id, user_id, date)
		 DO UPDATE SET user_name=excluded.user_name, answer=excluded.answer, updated_at=excluded.updated_at`,
		v.ScheduleID, v.UserID, v.UserName, v.Date, string(v.Answer), v.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListVotes(ctx context.Context, scheduleID string) ([]Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT schedule_id, user_id, user_name, date, answer, updated_at
		 FROM votes WHERE schedule_id = ? ORDER BY user_id, date`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []Vote
	for rows.Next() {
		var (
			v       Vote
			answer  string
			updated int64
		)
		if err := rows.Scan(&v.ScheduleID, &v.UserID, &v.UserName, &v.Date, &answer, &updated); err != nil {
			return nil, err
		}
		v.Answer = Answer(answer)
		v.UpdatedAt = time.UnixMilli(updated)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (s *sqliteStore) CloseSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET closed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireHit(res, id)
}

func (s *sqliteStore) DueReminders(ctx context.Context, now time.Time, lead time.Duration) ([]Schedule, error) {
	until := now.Add(lead).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE closed = 0 AND reminder_sent = 0
		   AND deadline IS NOT NULL AND deadline > ? AND deadline <= ?`,
		now.UnixMilli(), until)
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

func (s *sqliteStore) MarkReminderSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET reminder_sent = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireHit(res, id)
}

func (s *sqliteStore) DueClosings(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE closed = 0 AND deadline IS NOT NULL AND deadline <= ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastRun(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT at FROM admission_last WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) SetLastRun(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admission_last(key, at) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET at=excluded.at`,
		key, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ClearLastRun(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admission_last WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) IncrWindow(ctx context.Context, key string, window int64, ttl time.Duration) (int, error) {
	until := time.Now().Add(ttl).UnixMilli()
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO admission_window(key, window, count, until) VALUES(?,?,1,?)
		 ON CONFLICT(key, window) DO UPDATE SET count=count+1, until=excluded.until
		 RETURNING count`,
		key, window, until,
	).Scan(&count)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("admission window prune failed", logx.Err(perr))
		}
		cancel()
	}
	return count, err
}

func (s *sqliteStore) WindowCount(ctx context.Context, key string, window int64) (int, error) {
	var (
		count int
		until int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT count, until FROM admission_window WHERE key = ? AND window = ?`,
		key, window,
	).Scan(&count, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if time.Now().UnixMilli() > until {
		return 0, nil
	}
	return count, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admission_window WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func requireHit(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
