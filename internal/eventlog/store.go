package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ringCache is a bounded per-run in-memory tail, used to serve latest()/list()
// and subscription replay without round-tripping to SQLite on every read.
type ringCache struct {
	mu     sync.RWMutex
	events []Event // ascending by seq
	cap    int
}

func newRingCache(capacity int) *ringCache {
	return &ringCache{cap: capacity}
}

func (c *ringCache) append(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	if c.cap > 0 && len(c.events) > c.cap {
		c.events = c.events[len(c.events)-c.cap:]
	}
}

func (c *ringCache) list(f Filter) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, 0, len(c.events))
	for _, e := range c.events {
		if e.Seq <= f.AfterSeq {
			continue
		}
		if !f.allows(e.Type) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (c *ringCache) latest(n int) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || n > len(c.events) {
		n = len(c.events)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = c.events[len(c.events)-n+i]
	}
	return out
}

func (c *ringCache) lastSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) == 0 {
		return -1
	}
	return c.events[len(c.events)-1].Seq
}

// oldestSeq returns the seq of the oldest event the cache currently holds, or
// -1 if the cache is empty. A caller asking for AfterSeq below oldestSeq-1 is
// asking for events the cache has evicted (or never loaded) and must fall
// back to SQLite.
func (c *ringCache) oldestSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) == 0 {
		return -1
	}
	return c.events[0].Seq
}

func (c *ringCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// prime seeds the cache from a set of events already in ascending seq order,
// used to rehydrate the tail window from SQLite after process start.
func (c *ringCache) prime(events []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = events
	if c.cap > 0 && len(c.events) > c.cap {
		c.events = c.events[len(c.events)-c.cap:]
	}
}

func (c *ringCache) countByType() map[Type]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[Type]int{}
	for _, e := range c.events {
		out[e.Type]++
	}
	return out
}

// runState tracks per-run append bookkeeping: the per-run lock serializes
// concurrent appends, lastSeq mirrors run.last_event_seq, and frozen marks
// that the run reached a terminal state (no further appends permitted).
// lastSeq and frozen are authoritative and independent of the cache's ring
// eviction: both are primed from SQLite the first time a run is touched in
// this process, so a restart (or a cache window smaller than a run's full
// history) never desyncs Append's next-seq check from what is durably
// persisted.
type runState struct {
	mu      sync.Mutex
	cache   *ringCache
	frozen  bool
	lastSeq int64
	seen    map[string]struct{} // event ids seen in the cached window, for duplicate detection
}

// Store is the SQLite-backed, memory-cached append-only event log. It is a
// process-wide singleton: construct once at startup and share the reference.
type Store struct {
	db *sql.DB

	mu   sync.RWMutex
	runs map[string]*runState

	cacheCapacity int
}

// NewStore opens (or creates) the event log database at dbPath. WAL mode and
// a busy timeout are set so concurrent per-run writers don't spuriously fail
// under contention, mirroring the teacher's audit store setup.
func NewStore(dbPath string, cacheCapacity int) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event log db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS events (
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	type TEXT NOT NULL,
	phase TEXT NOT NULL,
	severity TEXT NOT NULL,
	ts TEXT NOT NULL,
	payload TEXT,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_run_type ON events(run_id, type);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_event_id ON events(event_id);
CREATE TABLE IF NOT EXISTS run_meta (
	run_id TEXT PRIMARY KEY,
	frozen INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events schema: %w", err)
	}
	if cacheCapacity <= 0 {
		cacheCapacity = 2048
	}
	return &Store{db: db, runs: make(map[string]*runState), cacheCapacity: cacheCapacity}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// stateFor returns the in-memory bookkeeping for runID, priming it from
// SQLite on first touch in this process so a restart rehydrates lastSeq,
// frozen, and the cache's tail window from durable state rather than
// starting blank.
func (s *Store) stateFor(runID string) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[runID]
	if !ok {
		rs = &runState{cache: newRingCache(s.cacheCapacity), seen: make(map[string]struct{}), lastSeq: -1}
		s.primeLocked(runID, rs)
		s.runs[runID] = rs
	}
	return rs
}

// primeLocked loads a run's durable lastSeq, frozen flag, and cache tail
// window from SQLite. Called with s.mu held, before rs is published to
// s.runs, so no concurrent reader can observe a half-primed state.
func (s *Store) primeLocked(runID string, rs *runState) {
	var lastSeq int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), -1) FROM events WHERE run_id = ?`, runID).Scan(&lastSeq); err == nil {
		rs.lastSeq = lastSeq
	}

	var frozen int
	if err := s.db.QueryRow(`SELECT frozen FROM run_meta WHERE run_id = ?`, runID).Scan(&frozen); err == nil {
		rs.frozen = frozen != 0
	}

	if rs.lastSeq < 0 {
		return
	}
	from := rs.lastSeq - int64(s.cacheCapacity) + 1
	if from < 0 {
		from = 0
	}
	events, err := s.queryRange(runID, from-1, rs.lastSeq)
	if err != nil {
		return
	}
	rs.cache.prime(events)
	for _, e := range events {
		rs.seen[e.EventID] = struct{}{}
	}
}

// queryRange returns events for runID with afterSeq < seq <= uptoSeq, in
// ascending seq order.
func (s *Store) queryRange(runID string, afterSeq, uptoSeq int64) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT seq, event_id, type, phase, severity, ts, payload FROM events
		 WHERE run_id = ? AND seq > ? AND seq <= ? ORDER BY seq ASC`,
		runID, afterSeq, uptoSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e        Event
			typ, sev string
			ts       string
			payload  sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.EventID, &typ, &e.Phase, &sev, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.RunID = runID
		e.Type = Type(typ)
		e.Sev = Severity(sev)
		if parsed, err := time.Parse(timeLayout, ts); err == nil {
			e.TS = parsed
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// countByTypeDB aggregates event counts for a run directly from SQLite, so
// the result reflects the full durable history regardless of cache size.
func (s *Store) countByTypeDB(runID string) (map[Type]int, error) {
	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM events WHERE run_id = ? GROUP BY type`, runID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()
	out := map[Type]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Type(typ)] = n
	}
	return out, rows.Err()
}

// RegisterRun primes bookkeeping for a newly created run. It must be called
// before the first Append for that run.
func (s *Store) RegisterRun(runID string) {
	s.stateFor(runID)
}

// Freeze marks a run's event log as terminal: no further appends permitted.
// The flag is persisted so a restart still honors it.
func (s *Store) Freeze(runID string) {
	rs := s.stateFor(runID)
	rs.mu.Lock()
	rs.frozen = true
	rs.mu.Unlock()

	// The in-memory flag above already blocks further appends in this
	// process; a persist failure here is not surfaced since Freeze has no
	// error return in its existing callers.
	_, _ = s.db.Exec(
		`INSERT INTO run_meta (run_id, frozen) VALUES (?, 1)
		 ON CONFLICT(run_id) DO UPDATE SET frozen = 1`,
		runID)
}

// Append validates and persists one event, enforcing gap-free monotonic
// sequencing, duplicate-id idempotency, and the terminal-state freeze.
// The caller must have set evt.Seq to the value it believes is next; Append
// verifies rather than assigns it, per §4.1's algorithmic contract.
func (s *Store) Append(ctx context.Context, evt Event) error {
	rs := s.stateFor(evt.RunID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.frozen {
		return &AppendError{Kind: ErrRunFrozen, Msg: "run " + evt.RunID + " is frozen"}
	}
	if _, dup := rs.seen[evt.EventID]; dup {
		// Idempotent no-op when the stored record is identical (callers may
		// retry an append after an ambiguous I/O error); an event id reused
		// for a different record is rejected.
		var seq int64
		var typ, phase, sev, ts, stored string
		err := s.db.QueryRowContext(ctx, `SELECT seq, type, phase, severity, ts, payload FROM events WHERE event_id = ?`,
			evt.EventID).Scan(&seq, &typ, &phase, &sev, &ts, &stored)
		var payload []byte
		if evt.Payload != nil {
			payload, _ = json.Marshal(evt.Payload)
		}
		if err == nil && (seq != evt.Seq || typ != string(evt.Type) || phase != evt.Phase ||
			sev != string(evt.Sev) || ts != evt.TS.Format(timeLayout) || stored != string(payload)) {
			return &AppendError{Kind: ErrDuplicateEvent, Msg: "event id " + evt.EventID + " reused for a different event"}
		}
		return nil
	}
	want := rs.lastSeq + 1
	if evt.Seq != want {
		return &AppendError{Kind: ErrSeqGap, Msg: fmt.Sprintf("expected seq %d, got %d", want, evt.Seq)}
	}

	var payload []byte
	var err error
	if evt.Payload != nil {
		payload, err = json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (run_id, seq, event_id, type, phase, severity, ts, payload)
		 VALUES (?,?,?,?,?,?,?,?)`,
		evt.RunID, evt.Seq, evt.EventID, string(evt.Type), evt.Phase, string(evt.Sev), evt.TS.Format(timeLayout), string(payload))
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}
	rs.seen[evt.EventID] = struct{}{}
	rs.cache.append(evt)
	rs.lastSeq = evt.Seq
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AppendBatch checks that events form a consecutive seq run before writing
// any of them, then appends them one at a time through Append. It is not
// atomic: if an append fails part-way, the events before it stay written.
func (s *Store) AppendBatch(ctx context.Context, runID string, events []Event) error {
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			return &AppendError{Kind: ErrSeqGap, Msg: "batch is not consecutive"}
		}
	}
	for _, e := range events {
		if err := s.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// List returns events for a run in ascending seq order, satisfying P7: a
// caller resuming from any AfterSeq sees every event since, never a window
// silently truncated to whatever still fits in the in-memory cache. Seqs the
// cache has evicted (or never loaded, after a restart) are served from
// SQLite and merged with whatever the cache still holds.
func (s *Store) List(runID string, f Filter) []Event {
	rs := s.stateFor(runID)
	oldest := rs.cache.oldestSeq()
	if oldest < 0 || f.AfterSeq >= oldest-1 {
		return rs.cache.list(f)
	}

	dbEvents, err := s.queryRange(runID, f.AfterSeq, oldest-1)
	if err != nil {
		// Degrade to whatever the cache holds rather than fail the read.
		return rs.cache.list(f)
	}
	out := make([]Event, 0, len(dbEvents))
	for _, e := range dbEvents {
		if !f.allows(e.Type) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			return out
		}
	}
	remaining := f.Limit
	if remaining > 0 {
		remaining -= len(out)
	}
	out = append(out, rs.cache.list(Filter{AfterSeq: oldest - 1, Limit: remaining, Types: f.Types})...)
	return out
}

// Latest returns the last n events for a run, descending (most recent
// first), falling back to SQLite when n asks for more history than the
// cache's bounded window retains.
func (s *Store) Latest(runID string, n int) []Event {
	rs := s.stateFor(runID)
	rs.mu.Lock()
	total := rs.lastSeq + 1
	cached := rs.cache.len()
	rs.mu.Unlock()

	if n <= 0 || int64(n) > total {
		n = int(total)
	}
	if n <= 0 {
		return nil
	}

	var out []Event
	if n <= cached {
		events := rs.cache.latest(n)
		out = make([]Event, len(events))
		for i, e := range events {
			out[len(events)-1-i] = e
		}
		return out
	}

	events, err := s.queryRange(runID, total-int64(n)-1, total-1)
	if err != nil {
		events = rs.cache.latest(cached)
	}
	out = make([]Event, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e
	}
	return out
}

// CountByType returns an aggregate count of events by type for a run,
// computed over the full durable history rather than just the cached tail.
func (s *Store) CountByType(runID string) map[Type]int {
	rs := s.stateFor(runID)
	counts, err := s.countByTypeDB(runID)
	if err != nil {
		return rs.cache.countByType()
	}
	return counts
}

// LastSeq returns the highest seq appended for a run, or -1 if none.
func (s *Store) LastSeq(runID string) int64 {
	rs := s.stateFor(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastSeq
}
