package audit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store persists events. Implementations: MemoryStore, PostgresStore,
// SQLiteStore.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Query(ctx context.Context, f Filter) ([]*Event, error)
	Stats(ctx context.Context, runID string) (*Stats, error)
}

// Mode selects the delivery guarantee of Log.Append.
type Mode int

const (
	// FireAndForget hands the event to a background writer and returns.
	// Persistence failures are logged, never surfaced. Default.
	FireAndForget Mode = iota
	// Synchronous awaits persistence and surfaces the error.
	Synchronous
)

// AppendResult reports the outcome of an append. The event id is present
// even on validation failure so the caller can correlate the rejection.
type AppendResult struct {
	EventID string
	OK      bool
	Err     error
}

// Log is the front-end over a Store, adding validation, delivery modes,
// and timestamp assignment.
type Log struct {
	store  Store
	mode   Mode
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	queue  chan *Event
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Log.
type Option func(*Log)

// WithMode selects the delivery mode.
func WithMode(m Mode) Option { return func(l *Log) { l.mode = m } }

// WithLogger injects the diagnostic logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Log) { l.logger = lg } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(l *Log) { l.clock = clock } }

// NewLog creates a Log over the given store. In fire-and-forget mode a
// single background writer drains the queue.
func NewLog(store Store, opts ...Option) *Log {
	l := &Log{
		store:  store,
		mode:   FireAndForget,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.mode == FireAndForget {
		l.queue = make(chan *Event, 256)
		l.wg.Add(1)
		go l.drain()
	}
	return l
}

func (l *Log) drain() {
	defer l.wg.Done()
	for e := range l.queue {
		// Background writes get their own bounded context; the caller is gone.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := l.store.Append(ctx, e); err != nil {
			l.logger.Error("audit append failed", "event_id", e.ID, "run_id", e.RunID, "err", err)
		}
		cancel()
	}
}

// Append validates and records an event. Validation failure returns a
// result carrying the event id without persisting. In fire-and-forget
// mode a full queue falls back to a synchronous write rather than drop.
func (l *Log) Append(ctx context.Context, e *Event) AppendResult {
	if err := e.Validate(); err != nil {
		id := ""
		if e != nil {
			id = e.ID
		}
		return AppendResult{EventID: id, OK: false, Err: err}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock().UTC()
	}

	if l.mode == Synchronous {
		if err := l.store.Append(ctx, e); err != nil {
			return AppendResult{EventID: e.ID, OK: false, Err: err}
		}
		return AppendResult{EventID: e.ID, OK: true}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		if err := l.store.Append(ctx, e); err != nil {
			l.logger.Error("audit append failed", "event_id", e.ID, "run_id", e.RunID, "err", err)
		}
		return AppendResult{EventID: e.ID, OK: true}
	}
	select {
	case l.queue <- e:
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		if err := l.store.Append(ctx, e); err != nil {
			l.logger.Error("audit append failed", "event_id", e.ID, "run_id", e.RunID, "err", err)
		}
	}
	return AppendResult{EventID: e.ID, OK: true}
}

// Query proxies to the store.
func (l *Log) Query(ctx context.Context, f Filter) ([]*Event, error) {
	return l.store.Query(ctx, f)
}

// Stats proxies to the store. Empty runID aggregates everything.
func (l *Log) Stats(ctx context.Context, runID string) (*Stats, error) {
	return l.store.Stats(ctx, runID)
}

// Close flushes the background queue. Safe to call once.
func (l *Log) Close() {
	if l.mode != FireAndForget {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.queue)
	l.wg.Wait()
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
	byRun  map[string][]*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRun: make(map[string][]*Event)}
}

// Append stores a copy of the event.
func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	cp := *e
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, &cp)
	s.byRun[cp.RunID] = append(s.byRun[cp.RunID], &cp)
	return nil
}

// Query returns matching events ordered by creation time descending.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scan := s.events
	if f.RunID != "" {
		scan = s.byRun[f.RunID]
	}
	out := make([]*Event, 0, len(scan))
	for _, e := range scan {
		if f.matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.MaxResults > 0 && len(out) > f.MaxResults {
		out = out[:f.MaxResults]
	}
	return out, nil
}

// Stats aggregates counts, optionally scoped to a run.
func (s *MemoryStore) Stats(_ context.Context, runID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newStats()
	scan := s.events
	if runID != "" {
		scan = s.byRun[runID]
	}
	for _, e := range scan {
		stats.observe(e)
	}
	return stats, nil
}
