package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"majordomo/internal/model"
)

// memoryStore is a dependency-free in-memory driver. It serializes all
// access behind one mutex; WithTx serializes fn but does not roll back on
// error, so it is suitable for development and tests, not durability.
type memoryStore struct {
	mu sync.Mutex

	tasks     map[int64]model.Task
	reminders map[int64]model.Reminder
	interests map[int64]model.Interest
	hblog     []model.HeartbeatLogEntry
	events    map[string]model.CalendarEvent
	moods     map[int64]model.MoodEntry

	nextTask     int64
	nextReminder int64
	nextInterest int64
	nextLog      int64
	nextEvent    int64
	nextMood     int64

	inTx bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		tasks:     map[int64]model.Task{},
		reminders: map[int64]model.Reminder{},
		interests: map[int64]model.Interest{},
		events:    map[string]model.CalendarEvent{},
		moods:     map[int64]model.MoodEntry{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.mu.Lock()
	if s.inTx {
		s.mu.Unlock()
		return fmt.Errorf("nested transaction")
	}
	s.inTx = true
	s.mu.Unlock()

	err := fn(&txView{s})

	s.mu.Lock()
	s.inTx = false
	s.mu.Unlock()
	return err
}

// txView bypasses the inTx guard so fn can call back into the store.
type txView struct{ *memoryStore }

func (v *txView) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return fmt.Errorf("nested transaction")
}

// ---- tasks ----

func (s *memoryStore) CreateTask(ctx context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTask++
	t.ID = s.nextTask
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
	s.tasks[t.ID] = *t
	return nil
}

func (s *memoryStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	cp := t
	return &cp, nil
}

func (s *memoryStore) UpdateTask(ctx context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("task %d: %w", t.ID, ErrNotFound)
	}
	t.UpdatedAt = time.Now()
	s.tasks[t.ID] = *t
	return nil
}

func (s *memoryStore) ListOverdueTasks(ctx context.Context, before time.Time) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.DueDate != nil && t.DueDate.Before(before) && !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	return out, nil
}

func (s *memoryStore) ListTasksDueBetween(ctx context.Context, start, end time.Time) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.DueDate == nil || t.Status.Terminal() {
			continue
		}
		if !t.DueDate.Before(start) && t.DueDate.Before(end) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	return out, nil
}

func (s *memoryStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memoryStore) CountBacklog(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == model.StatusTodo && t.DueDate == nil {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ListCompletedRecurring(ctx context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Task
	for _, t := range s.tasks {
		if t.Status != model.StatusDone || t.RecurrenceRule == "" {
			continue
		}
		hasSuccessor := false
		for _, n := range s.tasks {
			if n.RecurrenceSourceID != nil && *n.RecurrenceSourceID == t.ID && n.Status != model.StatusCancelled {
				hasSuccessor = true
				break
			}
		}
		if !hasSuccessor {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) MostRecentInProgress(ctx context.Context) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.Task
	for _, t := range s.tasks {
		if t.Status != model.StatusInProgress {
			continue
		}
		t := t
		if best == nil || t.UpdatedAt.After(best.UpdatedAt) {
			best = &t
		}
	}
	if best == nil {
		return nil, fmt.Errorf("in-progress task: %w", ErrNotFound)
	}
	return best, nil
}

// ---- reminders ----

func (s *memoryStore) CreateReminder(ctx context.Context, r *model.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextReminder++
	r.ID = s.nextReminder
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.reminders[r.ID] = *r
	return nil
}

func (s *memoryStore) GetReminder(ctx context.Context, id int64) (*model.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return nil, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	cp := r
	return &cp, nil
}

func (s *memoryStore) ListTaskReminders(ctx context.Context, taskID int64, undeliveredOnly bool) ([]model.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Reminder
	for _, r := range s.reminders {
		if r.TaskID == nil || *r.TaskID != taskID {
			continue
		}
		if undeliveredOnly && r.Delivered {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemindAt.Before(out[j].RemindAt) })
	return out, nil
}

func (s *memoryStore) DeleteUndeliveredAutoReminders(ctx context.Context, taskID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.reminders {
		if r.TaskID != nil && *r.TaskID == taskID && r.AutoCreated && !r.Delivered {
			delete(s.reminders, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) ListDueReminders(ctx context.Context, asOf time.Time) ([]model.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Reminder
	for _, r := range s.reminders {
		if !r.Delivered && !r.RemindAt.After(asOf) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemindAt.Before(out[j].RemindAt) })
	return out, nil
}

func (s *memoryStore) ListRemindersBetween(ctx context.Context, start, end time.Time) ([]model.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Reminder
	for _, r := range s.reminders {
		if r.Delivered {
			continue
		}
		if !r.RemindAt.Before(start) && r.RemindAt.Before(end) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemindAt.Before(out[j].RemindAt) })
	return out, nil
}

func (s *memoryStore) MarkReminderDelivered(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	r.Delivered = true
	s.reminders[id] = r
	return nil
}

// ---- interests ----

func (s *memoryStore) CreateInterest(ctx context.Context, i *model.Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextInterest++
	i.ID = s.nextInterest
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	if i.Priority <= 0 {
		i.Priority = 1
	}
	if i.CheckEvery <= 0 {
		i.CheckEvery = 24 * time.Hour
	}
	s.interests[i.ID] = *i
	return nil
}

func (s *memoryStore) ListActiveInterests(ctx context.Context) ([]model.Interest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Interest
	for _, i := range s.interests {
		if i.Active {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		la, lb := out[a].LastCheckedAt, out[b].LastCheckedAt
		if (la == nil) != (lb == nil) {
			return la == nil
		}
		if la == nil {
			return out[a].ID < out[b].ID
		}
		return la.Before(*lb)
	})
	return out, nil
}

func (s *memoryStore) MarkInterestChecked(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.interests[id]
	if !ok {
		return fmt.Errorf("interest %d: %w", id, ErrNotFound)
	}
	at2 := at
	i.LastCheckedAt = &at2
	s.interests[id] = i
	return nil
}

// ---- heartbeat log ----

func (s *memoryStore) AppendHeartbeatLog(ctx context.Context, e *model.HeartbeatLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLog++
	e.ID = s.nextLog
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.hblog = append(s.hblog, *e)
	return nil
}

func (s *memoryStore) HasHeartbeatKeySince(ctx context.Context, key string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.hblog {
		if e.DedupKey == key && !e.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) ListRecentHeartbeatLogs(ctx context.Context, limit int) ([]model.HeartbeatLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	out := append([]model.HeartbeatLogEntry(nil), s.hblog...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- calendar projection ----

func (s *memoryStore) UpsertCalendarEvent(ctx context.Context, ev *model.CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.SyncedAt.IsZero() {
		ev.SyncedAt = time.Now()
	}
	if cur, ok := s.events[ev.ExternalID]; ok {
		ev.ID = cur.ID
	} else {
		s.nextEvent++
		ev.ID = s.nextEvent
	}
	s.events[ev.ExternalID] = *ev
	return nil
}

func (s *memoryStore) ListCalendarEventsBetween(ctx context.Context, start, end time.Time) ([]model.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CalendarEvent
	for _, ev := range s.events {
		if !ev.StartTime.Before(start) && ev.StartTime.Before(end) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *memoryStore) UpsertMood(ctx context.Context, m *model.MoodEntry) error {
	if m.Score < 1 || m.Score > 5 {
		return fmt.Errorf("mood score %d out of range", m.Score)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.Date = time.Date(m.Date.Year(), m.Date.Month(), m.Date.Day(), 0, 0, 0, 0, m.Date.Location())

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.moods {
		if cur.Date.Equal(m.Date) {
			e := *m
			e.ID = id
			if e.Note == "" {
				e.Note = cur.Note
			}
			s.moods[id] = e
			return nil
		}
	}
	s.nextMood++
	e := *m
	e.ID = s.nextMood
	s.moods[e.ID] = e
	return nil
}

func (s *memoryStore) ListMoodSince(ctx context.Context, since time.Time) ([]model.MoodEntry, error) {
	day := time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, since.Location())
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MoodEntry
	for _, m := range s.moods {
		if !m.Date.Before(day) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
