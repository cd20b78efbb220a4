package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"majordomo/internal/model"
	"majordomo/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeLayout stores naive local timestamps. The layout is ISO-shaped so
// string comparison in SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.999999999"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db  *sql.DB // nil for the transactional view
	q   querier
	log logx.Logger
}

// Open initializes the sqlite store at cfg.Path and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, q: db, log: log}
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
	_, err = s.q.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.db == nil {
		return errors.New("nested transaction")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	view := &sqliteStore{q: tx, log: s.log}
	if err := fn(view); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- time helpers ----

func fmtTime(t time.Time) string { return t.Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.Local)
}

func parseTimeCol(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intCol(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// ---- tasks ----

const taskCols = `id, title, description, status, priority, due_date,
	recurrence_rule, recurrence_source_id, parent_id, project_id, contact_id,
	created_at, updated_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t *model.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Status == "" {
		t.Status = model.StatusTodo
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO tasks(title, description, status, priority, due_date,
		 recurrence_rule, recurrence_source_id, parent_id, project_id, contact_id,
		 created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Title, t.Description, string(t.Status), string(t.Priority), fmtTimePtr(t.DueDate),
		t.RecurrenceRule, nullInt(t.RecurrenceSourceID), nullInt(t.ParentID),
		nullInt(t.ProjectID), nullInt(t.ContactID),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t *model.Task) error {
	t.UpdatedAt = time.Now()
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET title=?, description=?, status=?, priority=?, due_date=?,
		 recurrence_rule=?, recurrence_source_id=?, parent_id=?, project_id=?,
		 contact_id=?, updated_at=? WHERE id=?`,
		t.Title, t.Description, string(t.Status), string(t.Priority), fmtTimePtr(t.DueDate),
		t.RecurrenceRule, nullInt(t.RecurrenceSourceID), nullInt(t.ParentID),
		nullInt(t.ProjectID), nullInt(t.ContactID), fmtTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("task %d: %w", t.ID, ErrNotFound)
	}
	return err
}

func (s *sqliteStore) ListOverdueTasks(ctx context.Context, before time.Time) ([]model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskCols+` FROM tasks
		 WHERE due_date IS NOT NULL AND due_date < ?
		   AND status NOT IN ('done','cancelled')
		 ORDER BY due_date ASC`,
		fmtTime(before),
	)
}

func (s *sqliteStore) ListTasksDueBetween(ctx context.Context, start, end time.Time) ([]model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskCols+` FROM tasks
		 WHERE due_date IS NOT NULL AND due_date >= ? AND due_date < ?
		   AND status NOT IN ('done','cancelled')
		 ORDER BY due_date ASC`,
		fmtTime(start), fmtTime(end),
	)
}

func (s *sqliteStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE status = ? ORDER BY updated_at DESC`,
		string(status),
	)
}

func (s *sqliteStore) CountBacklog(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = 'todo' AND due_date IS NULL`,
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListCompletedRecurring(ctx context.Context) ([]model.Task, error) {
	// Only the tip of a recurrence chain regenerates: a done task with a
	// non-cancelled successor already produced its next instance.
	return s.queryTasks(ctx,
		`SELECT `+taskCols+` FROM tasks t
		 WHERE t.status = 'done' AND t.recurrence_rule != ''
		   AND NOT EXISTS (
		       SELECT 1 FROM tasks n
		       WHERE n.recurrence_source_id = t.id AND n.status != 'cancelled')
		 ORDER BY t.id ASC`,
	)
}

func (s *sqliteStore) MostRecentInProgress(ctx context.Context) (*model.Task, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE status = 'in_progress'
		 ORDER BY updated_at DESC LIMIT 1`,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("in-progress task: %w", ErrNotFound)
	}
	return t, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(r rowScanner) (*model.Task, error) {
	var (
		t               model.Task
		status, prio    string
		due             sql.NullString
		srcID, parentID sql.NullInt64
		projID, contID  sql.NullInt64
		created, upd    string
	)
	err := r.Scan(&t.ID, &t.Title, &t.Description, &status, &prio, &due,
		&t.RecurrenceRule, &srcID, &parentID, &projID, &contID, &created, &upd)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.Priority = model.TaskPriority(prio)
	if t.DueDate, err = parseTimeCol(due); err != nil {
		return nil, err
	}
	t.RecurrenceSourceID = intCol(srcID)
	t.ParentID = intCol(parentID)
	t.ProjectID = intCol(projID)
	t.ContactID = intCol(contID)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ---- reminders ----

const reminderCols = `id, task_id, message, remind_at, delivered, auto_created, created_at`

func (s *sqliteStore) CreateReminder(ctx context.Context, r *model.Reminder) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO reminders(task_id, message, remind_at, delivered, auto_created, created_at)
		 VALUES(?,?,?,?,?,?)`,
		nullInt(r.TaskID), r.Message, fmtTime(r.RemindAt), r.Delivered, r.AutoCreated, fmtTime(r.CreatedAt),
	)
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) GetReminder(ctx context.Context, id int64) (*model.Reminder, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *sqliteStore) ListTaskReminders(ctx context.Context, taskID int64, undeliveredOnly bool) ([]model.Reminder, error) {
	query := `SELECT ` + reminderCols + ` FROM reminders WHERE task_id = ?`
	if undeliveredOnly {
		query += ` AND delivered = 0`
	}
	query += ` ORDER BY remind_at ASC`
	return s.queryReminders(ctx, query, taskID)
}

func (s *sqliteStore) DeleteUndeliveredAutoReminders(ctx context.Context, taskID int64) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM reminders WHERE task_id = ? AND auto_created = 1 AND delivered = 0`,
		taskID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ListDueReminders(ctx context.Context, asOf time.Time) ([]model.Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE delivered = 0 AND remind_at <= ? ORDER BY remind_at ASC`,
		fmtTime(asOf),
	)
}

func (s *sqliteStore) ListRemindersBetween(ctx context.Context, start, end time.Time) ([]model.Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE delivered = 0 AND remind_at >= ? AND remind_at < ?
		 ORDER BY remind_at ASC`,
		fmtTime(start), fmtTime(end),
	)
}

func (s *sqliteStore) MarkReminderDelivered(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `UPDATE reminders SET delivered = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return err
}

func scanReminder(r rowScanner) (*model.Reminder, error) {
	var (
		rem     model.Reminder
		taskID  sql.NullInt64
		at, crt string
	)
	err := r.Scan(&rem.ID, &taskID, &rem.Message, &at, &rem.Delivered, &rem.AutoCreated, &crt)
	if err != nil {
		return nil, err
	}
	rem.TaskID = intCol(taskID)
	if rem.RemindAt, err = parseTime(at); err != nil {
		return nil, err
	}
	if rem.CreatedAt, err = parseTime(crt); err != nil {
		return nil, err
	}
	return &rem, nil
}

func (s *sqliteStore) queryReminders(ctx context.Context, query string, args ...any) ([]model.Reminder, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ---- interests ----

func (s *sqliteStore) CreateInterest(ctx context.Context, i *model.Interest) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	if i.Priority <= 0 {
		i.Priority = 1
	}
	if i.CheckEvery <= 0 {
		i.CheckEvery = 24 * time.Hour
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO interests(topic, description, priority, check_every_sec,
		 last_checked_at, active, created_at) VALUES(?,?,?,?,?,?,?)`,
		i.Topic, i.Description, i.Priority, int64(i.CheckEvery/time.Second),
		fmtTimePtr(i.LastCheckedAt), i.Active, fmtTime(i.CreatedAt),
	)
	if err != nil {
		return err
	}
	i.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) ListActiveInterests(ctx context.Context) ([]model.Interest, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, topic, description, priority, check_every_sec, last_checked_at, active, created_at
		 FROM interests WHERE active = 1
		 ORDER BY priority DESC, last_checked_at IS NOT NULL, last_checked_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Interest
	for rows.Next() {
		var (
			i       model.Interest
			every   int64
			checked sql.NullString
			created string
		)
		if err := rows.Scan(&i.ID, &i.Topic, &i.Description, &i.Priority, &every,
			&checked, &i.Active, &created); err != nil {
			return nil, err
		}
		i.CheckEvery = time.Duration(every) * time.Second
		if i.LastCheckedAt, err = parseTimeCol(checked); err != nil {
			return nil, err
		}
		if i.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkInterestChecked(ctx context.Context, id int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE interests SET last_checked_at = ? WHERE id = ?`, fmtTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("interest %d: %w", id, ErrNotFound)
	}
	return err
}

// ---- heartbeat log ----

func (s *sqliteStore) AppendHeartbeatLog(ctx context.Context, e *model.HeartbeatLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO heartbeat_log(dedup_key, action_type, summary, interest_id, notified, created_at)
		 VALUES(?,?,?,?,?,?)`,
		e.DedupKey, e.ActionType, e.Summary, nullInt(e.InterestID), e.Notified, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) HasHeartbeatKeySince(ctx context.Context, key string, since time.Time) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM heartbeat_log WHERE dedup_key = ? AND created_at >= ? LIMIT 1`,
		key, fmtTime(since),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) ListRecentHeartbeatLogs(ctx context.Context, limit int) ([]model.HeartbeatLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, dedup_key, action_type, summary, interest_id, notified, created_at
		 FROM heartbeat_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.HeartbeatLogEntry
	for rows.Next() {
		var (
			e       model.HeartbeatLogEntry
			intID   sql.NullInt64
			created string
		)
		if err := rows.Scan(&e.ID, &e.DedupKey, &e.ActionType, &e.Summary, &intID, &e.Notified, &created); err != nil {
			return nil, err
		}
		e.InterestID = intCol(intID)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- calendar projection ----

func (s *sqliteStore) UpsertCalendarEvent(ctx context.Context, ev *model.CalendarEvent) error {
	if ev.SyncedAt.IsZero() {
		ev.SyncedAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO calendar_events(external_id, title, start_time, end_time, synced_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(external_id) DO UPDATE SET
		   title=excluded.title, start_time=excluded.start_time,
		   end_time=excluded.end_time, synced_at=excluded.synced_at`,
		ev.ExternalID, ev.Title, fmtTime(ev.StartTime), fmtTime(ev.EndTime), fmtTime(ev.SyncedAt),
	)
	return err
}

func (s *sqliteStore) ListCalendarEventsBetween(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, external_id, title, start_time, end_time, synced_at
		 FROM calendar_events WHERE start_time >= ? AND start_time < ?
		 ORDER BY start_time ASC`,
		fmtTime(start), fmtTime(end),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CalendarEvent
	for rows.Next() {
		var (
			ev             model.CalendarEvent
			st, et, synced string
		)
		if err := rows.Scan(&ev.ID, &ev.ExternalID, &ev.Title, &st, &et, &synced); err != nil {
			return nil, err
		}
		if ev.StartTime, err = parseTime(st); err != nil {
			return nil, err
		}
		if ev.EndTime, err = parseTime(et); err != nil {
			return nil, err
		}
		if ev.SyncedAt, err = parseTime(synced); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- mood log ----

func (s *sqliteStore) UpsertMood(ctx context.Context, m *model.MoodEntry) error {
	if m.Score < 1 || m.Score > 5 {
		return fmt.Errorf("mood score %d out of range", m.Score)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	day := truncateDay(m.Date)
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO mood_logs(date, score, note, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(date) DO UPDATE SET
		   score=excluded.score,
		   note=CASE WHEN excluded.note = '' THEN mood_logs.note ELSE excluded.note END`,
		fmtTime(day), m.Score, m.Note, fmtTime(m.CreatedAt),
	)
	if err != nil {
		return err
	}
	m.Date = day
	return nil
}

func (s *sqliteStore) ListMoodSince(ctx context.Context, since time.Time) ([]model.MoodEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, date, score, note, created_at FROM mood_logs
		 WHERE date >= ? ORDER BY date DESC`,
		fmtTime(truncateDay(since)),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MoodEntry
	for rows.Next() {
		var (
			m             model.MoodEntry
			date, created string
		)
		if err := rows.Scan(&m.ID, &date, &m.Score, &m.Note, &created); err != nil {
			return nil, err
		}
		if m.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
