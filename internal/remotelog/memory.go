package remotelog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryLog is a complete in-process implementation of Client. It backs
// tests and the offline demo mode: a path tree of values, ordered range
// queries, full-snapshot subscriptions that re-fire on any in-scope
// change, monotonic push ids, and disconnect commitments that can be
// fired with DropConnection to simulate an unclean session drop.
type MemoryLog struct {
	mu          sync.Mutex
	root        map[string]any
	subs        map[int]*memSub
	nextSubID   int
	commitments map[*memCommitment]struct{}
	lastTS      int64
	pushSeq     int64
	now         func() time.Time
}

type memSub struct {
	query     Query
	handler   func(Snapshot)
	cancelled bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		root:        make(map[string]any),
		subs:        make(map[int]*memSub),
		commitments: make(map[*memCommitment]struct{}),
		now:         time.Now,
	}
}

// SetClock overrides the server clock, for tests.
func (l *MemoryLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// nextTimestamp returns a strictly monotonic server timestamp in
// milliseconds. Callers must hold l.mu.
func (l *MemoryLog) nextTimestamp() int64 {
	ts := l.now().UnixMilli()
	if ts <= l.lastTS {
		ts = l.lastTS + 1
	}
	l.lastTS = ts
	return ts
}

func (l *MemoryLog) Push(ctx context.Context, path string, value any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	ts := l.nextTimestamp()
	l.pushSeq++
	// Fixed-width hex keeps ids lexicographically monotonic.
	id := fmt.Sprintf("m%013x%06x", ts, l.pushSeq)

	node := l.ensureNode(path)
	node[id] = l.resolveTimestamps(value, ts)
	fired := l.affectedSubs(path)
	l.mu.Unlock()

	l.deliver(fired)
	return id, nil
}

func (l *MemoryLog) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	ts := l.nextTimestamp()
	node := l.ensureNode(path)
	for k, v := range fields {
		if v == nil {
			delete(node, k)
			continue
		}
		node[k] = l.resolveTimestamps(v, ts)
	}
	fired := l.affectedSubs(path)
	l.mu.Unlock()

	l.deliver(fired)
	return nil
}

func (l *MemoryLog) Get(ctx context.Context, q Query) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluate(q), nil
}

func (l *MemoryLog) Subscribe(q Query, handler func(Snapshot)) (CancelFunc, error) {
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	sub := &memSub{query: q, handler: handler}
	l.subs[id] = sub
	initial := Snapshot{Entries: l.evaluate(q)}
	l.mu.Unlock()

	// Initial snapshot fires before Subscribe returns.
	handler(initial)

	cancel := func() {
		l.mu.Lock()
		sub.cancelled = true
		delete(l.subs, id)
		l.mu.Unlock()
	}
	return cancel, nil
}

func (l *MemoryLog) OnDisconnect(path string) Commitment {
	return &memCommitment{log: l, path: path}
}

// DropConnection simulates an unclean session drop: every armed
// commitment fires as a partial update, then all are cleared.
func (l *MemoryLog) DropConnection() {
	l.mu.Lock()
	pending := make([]*memCommitment, 0, len(l.commitments))
	for c := range l.commitments {
		pending = append(pending, c)
	}
	l.commitments = make(map[*memCommitment]struct{})
	l.mu.Unlock()

	for _, c := range pending {
		_ = l.Update(context.Background(), c.path, c.fields)
	}
}

type memCommitment struct {
	log    *MemoryLog
	path   string
	fields map[string]any
}

func (c *memCommitment) Update(ctx context.Context, fields map[string]any) error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	c.fields = fields
	c.log.commitments[c] = struct{}{}
	return nil
}

func (c *memCommitment) Cancel(ctx context.Context) error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	delete(c.log.commitments, c)
	return nil
}

// ensureNode walks the path creating map nodes as needed. Callers must
// hold l.mu.
func (l *MemoryLog) ensureNode(path string) map[string]any {
	node := l.root
	for _, seg := range splitPath(path) {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	return node
}

// lookup returns the value at path, or nil when absent. Callers must hold
// l.mu.
func (l *MemoryLog) lookup(path string) any {
	var node any = l.root
	for _, seg := range splitPath(path) {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[seg]
	}
	return node
}

func (l *MemoryLog) resolveTimestamps(v any, ts int64) any {
	if IsServerTimestamp(v) {
		return ts
	}
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = l.resolveTimestamps(val, ts)
		}
		return out
	}
	return v
}

// evaluate runs a query against the tree. Callers must hold l.mu.
func (l *MemoryLog) evaluate(q Query) []Entry {
	node := l.lookup(q.Path)
	if node == nil {
		return nil
	}

	if q.OrderBy == "" {
		// Whole-value query: a single entry keyed by the last path segment.
		segs := splitPath(q.Path)
		key := ""
		if len(segs) > 0 {
			key = segs[len(segs)-1]
		}
		return []Entry{{Key: key, Value: deepCopy(node)}}
	}

	children, ok := node.(map[string]any)
	if !ok {
		return nil
	}

	var entries []Entry
	for key, child := range children {
		v, ok := orderValue(child, q.OrderBy)
		if !ok {
			continue
		}
		if q.StartAt != nil && v < *q.StartAt {
			continue
		}
		if q.EndBefore != nil && v >= *q.EndBefore {
			continue
		}
		entries = append(entries, Entry{Key: key, Value: deepCopy(child)})
	}

	sort.Slice(entries, func(i, j int) bool {
		vi, _ := orderValue(entries[i].Value, q.OrderBy)
		vj, _ := orderValue(entries[j].Value, q.OrderBy)
		if vi != vj {
			return vi < vj
		}
		return entries[i].Key < entries[j].Key
	})

	if q.LimitToLast > 0 && len(entries) > q.LimitToLast {
		entries = entries[len(entries)-q.LimitToLast:]
	}
	return entries
}

// affectedSubs collects snapshots for every live subscription whose scope
// overlaps the mutated path. Callers must hold l.mu.
func (l *MemoryLog) affectedSubs(mutated string) []delivery {
	var fired []delivery
	for _, sub := range l.subs {
		if !pathsOverlap(mutated, sub.query.Path) {
			continue
		}
		fired = append(fired, delivery{
			sub:      sub,
			snapshot: Snapshot{Entries: l.evaluate(sub.query)},
		})
	}
	return fired
}

type delivery struct {
	sub      *memSub
	snapshot Snapshot
}

// deliver invokes handlers outside the lock so they may call back into
// the log.
func (l *MemoryLog) deliver(fired []delivery) {
	for _, d := range fired {
		l.mu.Lock()
		cancelled := d.sub.cancelled
		l.mu.Unlock()
		if cancelled {
			continue
		}
		d.sub.handler(d.snapshot)
	}
}

func pathsOverlap(a, b string) bool {
	return strings.HasPrefix(a+"/", b+"/") || strings.HasPrefix(b+"/", a+"/")
}

func splitPath(path string) []string {
	var segs []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}

func orderValue(v any, field string) (int64, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	return toInt64(m[field])
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func deepCopy(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = deepCopy(val)
	}
	return out
}
