package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/internal/mq"
	"github.com/septivank/field-readings/internal/repository"
)

// memoryReadings is a transactional in-memory current reading table keyed by
// meter id. A transaction works on a copy that replaces the table on commit.
type memoryReadings struct {
	mu        sync.Mutex
	rows      map[string]db.CurrentReading
	nextID    int64
	failBegin error
	// failOn makes FindCurrentReading fail for the given meter id
	failOn map[string]error
	// noRowsFor makes writes for the given meter id affect nothing
	noRowsFor map[string]bool
	failCommit error
}

func newMemoryReadings() *memoryReadings {
	return &memoryReadings{
		rows:      make(map[string]db.CurrentReading),
		failOn:    make(map[string]error),
		noRowsFor: make(map[string]bool),
	}
}

func (m *memoryReadings) seed(r db.CurrentReading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.rows[r.MeterID] = r
}

func (m *memoryReadings) snapshot() map[string]db.CurrentReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]db.CurrentReading, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out
}

func (m *memoryReadings) BeginReadingTx(context.Context) (repository.ReadingTx, error) {
	if m.failBegin != nil {
		return nil, m.failBegin
	}
	return &memoryReadingTx{store: m, rows: m.snapshot(), nextID: m.nextID}, nil
}

func (m *memoryReadings) ListCurrentReadings(_ context.Context, meterIDs []string) ([]db.CurrentReading, error) {
	rows := m.snapshot()
	var out []db.CurrentReading
	for _, id := range meterIDs {
		if r, ok := rows[id]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memoryReadingTx struct {
	store  *memoryReadings
	rows   map[string]db.CurrentReading
	nextID int64
	done   bool
}

func (t *memoryReadingTx) FindCurrentReading(_ context.Context, meterID string) (*db.CurrentReading, error) {
	if err := t.store.failOn[meterID]; err != nil {
		return nil, err
	}
	r, ok := t.rows[meterID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *memoryReadingTx) UpdateCurrentReading(_ context.Context, reading *db.CurrentReading) (int64, error) {
	if t.store.noRowsFor[reading.MeterID] {
		return 0, nil
	}
	for k, r := range t.rows {
		if r.ID == reading.ID {
			t.rows[k] = *reading
			return 1, nil
		}
	}
	return 0, nil
}

func (t *memoryReadingTx) InsertCurrentReading(_ context.Context, reading *db.CurrentReading) (int64, error) {
	if t.store.noRowsFor[reading.MeterID] {
		return 0, nil
	}
	if _, exists := t.rows[reading.MeterID]; exists {
		return 0, errors.New("duplicate key value violates unique constraint")
	}
	t.nextID++
	reading.ID = t.nextID
	t.rows[reading.MeterID] = *reading
	return 1, nil
}

func (t *memoryReadingTx) Commit(context.Context) error {
	if t.done {
		return errors.New("tx closed")
	}
	t.done = true
	if t.store.failCommit != nil {
		return t.store.failCommit
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.rows = t.rows
	t.store.nextID = t.nextID
	return nil
}

func (t *memoryReadingTx) Rollback(context.Context) error {
	t.done = true
	return nil
}

type recordingPublisher struct {
	events []mq.ReadingSavedEvent
	err    error
}

func (p *recordingPublisher) PublishReadingSaved(_ context.Context, event mq.ReadingSavedEvent, _ string) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
