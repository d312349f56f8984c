package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Memory is an in-process Store used by tests and single-process setups.
// Tables are held as ordered slices of records behind one mutex; change
// events fan out to subscribers through per-subscriber queues so a slow
// consumer never blocks writers.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]Record
	subs   map[string]*memorySub
	nowFn  func() time.Time
	closed bool
}

const memorySubQueue = 256

type memorySub struct {
	id     string
	parent *Memory
	table  string
	events map[EventType]struct{}
	filter Filter
	fn     func(Event)
	queue  chan Event
	done   chan struct{}
	once   sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string][]Record),
		subs:   make(map[string]*memorySub),
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock used for created_at stamps. Test helper.
func (m *Memory) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	m.nowFn = fn
	m.mu.Unlock()
}

func (m *Memory) Insert(ctx context.Context, table string, record Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := cloneRecord(record)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if id, _ := rec["id"].(string); id == "" {
		rec["id"] = uuid.New().String()
	}
	if _, ok := rec["created_at"]; !ok {
		rec["created_at"] = m.nowFn().UTC().Format(time.RFC3339Nano)
	}
	m.tables[table] = append(m.tables[table], rec)
	out := cloneRecord(rec)
	m.publishLocked(Event{Type: EventInsert, Table: table, Record: out})
	m.mu.Unlock()

	return out, nil
}

func (m *Memory) Update(ctx context.Context, table string, filter Filter, patch Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	matched := false
	for _, rec := range m.tables[table] {
		if !filter.Matches(rec) {
			continue
		}
		matched = true
		for col, v := range patch {
			rec[col] = normalize(v)
		}
		m.publishLocked(Event{Type: EventUpdate, Table: table, Record: cloneRecord(rec)})
	}
	if !matched {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []Record
	for _, rec := range m.tables[table] {
		if !filter.Matches(rec) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

// AppendToArray appends value to the named JSON array column under the
// table lock, so concurrent appends from both call parties cannot lose
// entries.
func (m *Memory) AppendToArray(ctx context.Context, table, id, column string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, rec := range m.tables[table] {
		if got, _ := rec["id"].(string); got != id {
			continue
		}
		arr, _ := rec[column].([]any)
		rec[column] = append(arr, normalize(value))
		m.publishLocked(Event{Type: EventUpdate, Table: table, Record: cloneRecord(rec)})
		return nil
	}
	return ErrNotFound
}

func (m *Memory) Subscribe(table string, events []EventType, filter Filter, fn func(Event)) (Subscription, error) {
	id, err := gonanoid.New(12)
	if err != nil {
		return nil, err
	}

	sub := &memorySub{
		id:     id,
		parent: m,
		table:  table,
		events: make(map[EventType]struct{}, len(events)),
		filter: filter,
		fn:     fn,
		queue:  make(chan Event, memorySubQueue),
		done:   make(chan struct{}),
	}
	for _, ev := range events {
		sub.events[ev] = struct{}{}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[id] = sub
	m.mu.Unlock()

	go sub.drain()
	return sub, nil
}

// Close shuts the store down and detaches all subscribers.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySub, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*memorySub)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (m *Memory) publishLocked(ev Event) {
	for _, sub := range m.subs {
		if sub.table != ev.Table {
			continue
		}
		if _, ok := sub.events[ev.Type]; !ok {
			continue
		}
		if sub.filter != nil && !sub.filter.Matches(ev.Record) {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			// Queue full: the subscriber is hopelessly behind, drop.
		}
	}
}

func (s *memorySub) drain() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.fn(ev)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySub) Close() error {
	s.parent.mu.Lock()
	delete(s.parent.subs, s.id)
	s.parent.mu.Unlock()
	s.stop()
	return nil
}

func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for col, v := range rec {
		out[col] = normalize(v)
	}
	return out
}
