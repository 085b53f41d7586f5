package remotelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame ops understood by the log gateway.
const (
	opPush             = "push"
	opUpdate           = "update"
	opGet              = "get"
	opSubscribe        = "subscribe"
	opUnsubscribe      = "unsubscribe"
	opDisconnectUpdate = "odc-update"
	opDisconnectCancel = "odc-cancel"
	opResult           = "result"
	opSnapshot         = "snapshot"
)

type wireQuery struct {
	Path        string `json:"path"`
	OrderBy     string `json:"orderBy,omitempty"`
	StartAt     *int64 `json:"startAt,omitempty"`
	EndBefore   *int64 `json:"endBefore,omitempty"`
	LimitToLast int    `json:"limitToLast,omitempty"`
}

type wireEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type frame struct {
	Op      string          `json:"op"`
	ReqID   string          `json:"reqId,omitempty"`
	SubID   string          `json:"subId,omitempty"`
	Path    string          `json:"path,omitempty"`
	Query   *wireQuery      `json:"query,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Entries []wireEntry     `json:"entries,omitempty"`
	PushID  string          `json:"id,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type wsConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// WSClient speaks the JSON frame protocol to the log gateway over a
// single websocket connection. Requests are correlated by id; snapshot
// frames are queued per subscription and applied in arrival order.
type WSClient struct {
	conn   wsConn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	subs    map[string]*wsSub
	closed  bool
	done    chan struct{}
}

// wsSub is one registered subscription: its handler plus the queue that
// serializes snapshot delivery. The read pump enqueues without blocking;
// a single drain goroutine applies snapshots one at a time, so a newer
// snapshot can never overtake an older one for the same subscription.
type wsSub struct {
	handler func(Snapshot)

	mu    sync.Mutex
	queue []Snapshot

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

func newWSSub(handler func(Snapshot)) *wsSub {
	return &wsSub{
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (s *wsSub) enqueue(snap Snapshot) {
	s.mu.Lock()
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *wsSub) drain() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.handler(snap)
		}
	}
}

func (s *wsSub) close() {
	s.once.Do(func() { close(s.stop) })
}

// Dial connects to the log gateway at url and starts the read pump.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial log gateway: %w", err)
	}
	return newWSClient(conn, logger), nil
}

func newWSClient(conn wsConn, logger *slog.Logger) *WSClient {
	c := &WSClient{
		conn:    conn,
		logger:  logger.With("component", "remotelog"),
		pending: make(map[string]chan frame),
		subs:    make(map[string]*wsSub),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			for id, sub := range c.subs {
				sub.close()
				delete(c.subs, id)
			}
			c.mu.Unlock()
			if !closed {
				c.logger.Error("read pump terminated", "error", err)
			}
			return
		}

		switch f.Op {
		case opResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ReqID]
			delete(c.pending, f.ReqID)
			var sub *wsSub
			if f.Error == "" && f.SubID != "" {
				sub = c.subs[f.SubID]
			}
			c.mu.Unlock()
			// A subscribe result carries the initial snapshot; it goes
			// through the same queue so a later snapshot frame cannot
			// overtake it.
			if sub != nil {
				sub.enqueue(decodeSnapshot(f.Entries))
			}
			if ok {
				ch <- f
			}
		case opSnapshot:
			c.mu.Lock()
			sub, ok := c.subs[f.SubID]
			c.mu.Unlock()
			if !ok {
				// Late snapshot for a torn-down subscription.
				continue
			}
			// Handlers may issue calls of their own; never run them on
			// the read pump.
			sub.enqueue(decodeSnapshot(f.Entries))
		default:
			c.logger.Warn("unexpected frame", "op", f.Op)
		}
	}
}

// call writes a request frame and waits for its correlated result.
func (c *WSClient) call(ctx context.Context, f frame) (frame, error) {
	f.ReqID = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, errors.New("client is closed")
	}
	c.pending[f.ReqID] = ch
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ReqID)
		c.mu.Unlock()
		return frame{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, errors.New("connection lost")
		}
		if resp.Error != "" {
			return frame{}, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ReqID)
		c.mu.Unlock()
		return frame{}, ctx.Err()
	case <-c.done:
		return frame{}, errors.New("connection lost")
	}
}

func (c *WSClient) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *WSClient) Push(ctx context.Context, path string, value any) (string, error) {
	data, err := encodeValue(value)
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, frame{Op: opPush, Path: path, Value: data})
	if err != nil {
		return "", fmt.Errorf("push %s: %w", path, err)
	}
	return resp.PushID, nil
}

func (c *WSClient) Update(ctx context.Context, path string, fields map[string]any) error {
	data, err := encodeValue(fields)
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, frame{Op: opUpdate, Path: path, Value: data}); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return nil
}

func (c *WSClient) Get(ctx context.Context, q Query) ([]Entry, error) {
	resp, err := c.call(ctx, frame{Op: opGet, Query: encodeQuery(q)})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", q.Path, err)
	}
	return decodeSnapshot(resp.Entries).Entries, nil
}

func (c *WSClient) Subscribe(q Query, handler func(Snapshot)) (CancelFunc, error) {
	subID := uuid.NewString()
	sub := newWSSub(handler)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client is closed")
	}
	c.subs[subID] = sub
	c.mu.Unlock()
	go sub.drain()

	// The initial snapshot arrives with the subscribe result and is
	// enqueued by the read pump before the call settles.
	if _, err := c.call(context.Background(), frame{Op: opSubscribe, SubID: subID, Query: encodeQuery(q)}); err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		sub.close()
		return nil, fmt.Errorf("subscribe %s: %w", q.Path, err)
	}

	cancel := func() {
		c.mu.Lock()
		_, live := c.subs[subID]
		delete(c.subs, subID)
		c.mu.Unlock()
		if live {
			sub.close()
			_ = c.write(frame{Op: opUnsubscribe, SubID: subID})
		}
	}
	return cancel, nil
}

func (c *WSClient) OnDisconnect(path string) Commitment {
	return &wsCommitment{client: c, path: path}
}

type wsCommitment struct {
	client *WSClient
	path   string
}

func (w *wsCommitment) Update(ctx context.Context, fields map[string]any) error {
	data, err := encodeValue(fields)
	if err != nil {
		return err
	}
	if _, err := w.client.call(ctx, frame{Op: opDisconnectUpdate, Path: w.path, Value: data}); err != nil {
		return fmt.Errorf("on-disconnect update %s: %w", w.path, err)
	}
	return nil
}

func (w *wsCommitment) Cancel(ctx context.Context) error {
	if _, err := w.client.call(ctx, frame{Op: opDisconnectCancel, Path: w.path}); err != nil {
		return fmt.Errorf("on-disconnect cancel %s: %w", w.path, err)
	}
	return nil
}

func encodeQuery(q Query) *wireQuery {
	return &wireQuery{
		Path:        q.Path,
		OrderBy:     q.OrderBy,
		StartAt:     q.StartAt,
		EndBefore:   q.EndBefore,
		LimitToLast: q.LimitToLast,
	}
}

// encodeValue marshals a value for the wire, rewriting the server
// timestamp sentinel into its {".sv": "timestamp"} form.
func encodeValue(v any) (json.RawMessage, error) {
	return json.Marshal(rewriteSentinels(v))
}

func rewriteSentinels(v any) any {
	if IsServerTimestamp(v) {
		return map[string]any{".sv": "timestamp"}
	}
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = rewriteSentinels(val)
		}
		return out
	}
	return v
}

func decodeSnapshot(entries []wireEntry) Snapshot {
	snap := Snapshot{Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		var v any
		if err := json.Unmarshal(e.Value, &v); err != nil {
			continue
		}
		snap.Entries = append(snap.Entries, Entry{Key: e.Key, Value: v})
	}
	return snap
}
