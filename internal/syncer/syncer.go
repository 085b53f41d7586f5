// Package syncer reconciles the durable local cache, the live remote
// subscription, and paginated history into one consistent in-memory
// message sequence per open room.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"palaver/internal/cache"
	"palaver/internal/models"
	"palaver/internal/observability"
	"palaver/internal/remotelog"
)

const (
	// DefaultBackfill is how many trailing messages the live subscription
	// fetches for a room with an empty cache.
	DefaultBackfill = 25

	// DefaultPageSize is how many older messages one pagination fetch
	// requests.
	DefaultPageSize = 10
)

// State of a room session.
type State int

const (
	StateInit State = iota
	StateCacheLoaded
	StateLiveSubscribed
	StateClosed
)

// Engine opens room sessions on behalf of one signed-in user.
type Engine struct {
	log    remotelog.Client
	store  *cache.Store
	logger *slog.Logger

	uid         string
	displayName string
}

func NewEngine(log remotelog.Client, store *cache.Store, logger *slog.Logger, uid, displayName string) *Engine {
	return &Engine{
		log:         log,
		store:       store,
		logger:      logger.With("component", "syncer"),
		uid:         uid,
		displayName: displayName,
	}
}

// Options tune one room session.
type Options struct {
	// OnUpdate receives the full ordered sequence after every change.
	OnUpdate func([]models.Message)

	// OnPrepend fires after a pagination fetch with the number of
	// messages prepended, before the corresponding OnUpdate. Callers use
	// it to restore the scroll anchor by the prepended content height.
	OnPrepend func(count int)

	Backfill int
	PageSize int
}

// Session is one open room: the in-memory ordered message sequence plus
// the live subscription and pagination cursor feeding it.
type Session struct {
	engine *Engine
	roomID string
	opts   Options

	mu           sync.Mutex
	state        State
	msgs         []models.Message
	ids          map[string]struct{}
	allLoaded    bool
	loadingOlder bool
	cancel       remotelog.CancelFunc
}

// Open paints the newest cached messages for roomID (instant, bounded by
// Backfill), then opens a live range subscription starting after the last
// cached timestamp — or a trailing-N backfill subscription when the cache
// is empty. Deeper cached history stays on disk until LoadOlder asks for
// it.
func (e *Engine) Open(roomID string, opts Options) (*Session, error) {
	if opts.Backfill <= 0 {
		opts.Backfill = DefaultBackfill
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}

	s := &Session{
		engine: e,
		roomID: roomID,
		opts:   opts,
		ids:    make(map[string]struct{}),
	}

	last, haveCache, err := e.store.LastTimestamp(roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache watermark: %w", err)
	}
	var cached []models.Message
	if haveCache {
		cached, err = e.store.ListMessagesBefore(roomID, last+1, opts.Backfill)
		if err != nil {
			return nil, fmt.Errorf("failed to load cached messages: %w", err)
		}
	}
	for _, msg := range cached {
		s.ids[msg.ID] = struct{}{}
	}
	s.msgs = cached
	s.state = StateCacheLoaded
	s.emit()

	q := remotelog.Query{
		Path:    remotelog.RoomMessagesPath(roomID),
		OrderBy: "timestamp",
	}
	if haveCache {
		// The cache is append-only and complete up to its newest entry,
		// so everything below the watermark is already held locally.
		watermark := last + 1
		q.StartAt = &watermark
	} else {
		q.LimitToLast = opts.Backfill
	}

	cancel, err := e.log.Subscribe(q, s.handleLive)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to room %s: %w", roomID, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// Closed while the subscription was being set up.
		s.mu.Unlock()
		cancel()
		return nil, models.ErrClosed
	}
	s.cancel = cancel
	s.state = StateLiveSubscribed
	s.mu.Unlock()

	observability.OpenRooms.Inc()
	return s, nil
}

// handleLive absorbs one snapshot of the live range: persist everything
// to the cache (idempotent), then merge only genuinely new ids into the
// sequence.
func (s *Session) handleLive(snap remotelog.Snapshot) {
	msgs := decodeMessages(snap.Entries)
	if len(msgs) == 0 {
		return
	}

	if err := s.engine.store.PutMessages(s.roomID, msgs); err != nil {
		s.engine.logger.Error("failed to persist live messages", "room", s.roomID, "error", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	added := s.mergeLocked(msgs, "live")
	out := s.snapshotLocked()
	s.mu.Unlock()

	if added > 0 {
		s.emitSeq(out)
	}
}

// LoadOlder fetches up to one page of history strictly before the oldest
// held message; a session holding nothing fetches the trailing page of
// the log directly. It returns whether more history may remain. A full
// page counts as "maybe more"; only a short page from the log flips the
// terminal allLoaded flag, so repeated calls reach allLoaded for any
// finite history, an empty one included. Concurrent invocations are
// gated, not queued.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false, models.ErrClosed
	}
	if s.allLoaded {
		s.mu.Unlock()
		return false, nil
	}
	if s.loadingOlder {
		s.mu.Unlock()
		return true, nil
	}
	s.loadingOlder = true
	q := remotelog.Query{
		Path:        remotelog.RoomMessagesPath(s.roomID),
		OrderBy:     "timestamp",
		LimitToLast: s.opts.PageSize,
	}
	var oldest int64
	anchored := len(s.msgs) > 0
	if anchored {
		oldest = s.msgs[0].Timestamp
		q.EndBefore = &oldest
	}
	pageSize := s.opts.PageSize
	s.mu.Unlock()

	if anchored {
		// Deeper history may already sit in the cache from an earlier
		// session; a full page is served locally without a round-trip.
		page, err := s.engine.store.ListMessagesBefore(s.roomID, oldest, pageSize)
		if err != nil {
			s.engine.logger.Error("cache page read failed", "room", s.roomID, "error", err)
		} else if len(page) == pageSize {
			return s.finishPage(page, pageSize, false)
		}
		// A short cache page proves nothing about the log; the fetch
		// below supersedes it and dedup absorbs the overlap.
	}

	observability.PagesFetched.Inc()
	entries, err := s.engine.log.Get(ctx, q)
	if err != nil {
		// Soft failure: allLoaded stays untouched, the gesture is
		// retryable.
		s.mu.Lock()
		s.loadingOlder = false
		s.mu.Unlock()
		s.engine.logger.Error("pagination fetch failed", "room", s.roomID, "error", err)
		return true, err
	}

	msgs := decodeMessages(entries)
	if err := s.engine.store.PutMessages(s.roomID, msgs); err != nil {
		s.engine.logger.Error("failed to persist page", "room", s.roomID, "error", err)
	}
	return s.finishPage(msgs, pageSize, true)
}

// finishPage merges one pagination page and reopens the gate. terminal
// reports whether the page came from the authoritative log, where a short
// page means the start of history; a short cache page never flips
// allLoaded.
func (s *Session) finishPage(msgs []models.Message, pageSize int, terminal bool) (bool, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false, models.ErrClosed
	}
	s.loadingOlder = false
	added := s.mergeLocked(msgs, "page")
	if terminal && len(msgs) < pageSize {
		s.allLoaded = true
	}
	hasMore := !s.allLoaded
	out := s.snapshotLocked()
	s.mu.Unlock()

	if s.opts.OnPrepend != nil && added > 0 {
		s.opts.OnPrepend(added)
	}
	if added > 0 {
		s.emitSeq(out)
	}
	return hasMore, nil
}

// Send pushes a message to the room log. Fire and forget: delivery back
// into the sequence happens through the live subscription.
func (s *Session) Send(ctx context.Context, text string) error {
	_, err := s.engine.log.Push(ctx, remotelog.RoomMessagesPath(s.roomID), map[string]any{
		"senderId":   s.engine.uid,
		"senderName": s.engine.displayName,
		"text":       text,
		"timestamp":  remotelog.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Messages returns a copy of the current ordered sequence.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// AllLoaded reports whether pagination has reached the start of history.
func (s *Session) AllLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allLoaded
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears down the live subscription. No snapshot is applied after
// Close returns; a late callback finds the session closed and drops its
// delivery.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		observability.OpenRooms.Dec()
	}
}

// mergeLocked set-differences msgs against held ids, appends the new
// ones, and re-sorts. Returns how many were genuinely new. Callers must
// hold s.mu.
func (s *Session) mergeLocked(msgs []models.Message, source string) int {
	added := 0
	for _, msg := range msgs {
		if _, ok := s.ids[msg.ID]; ok {
			observability.DuplicatesAbsorbed.Inc()
			continue
		}
		s.ids[msg.ID] = struct{}{}
		s.msgs = append(s.msgs, msg)
		added++
	}
	if added > 0 {
		models.SortMessages(s.msgs)
		observability.MessagesMerged.WithLabelValues(source).Add(float64(added))
	}
	return added
}

func (s *Session) snapshotLocked() []models.Message {
	out := make([]models.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Session) emit() {
	if s.opts.OnUpdate == nil {
		return
	}
	s.mu.Lock()
	out := s.snapshotLocked()
	s.mu.Unlock()
	s.opts.OnUpdate(out)
}

func (s *Session) emitSeq(msgs []models.Message) {
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(msgs)
	}
}

func decodeMessages(entries []remotelog.Entry) []models.Message {
	msgs := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		var msg models.Message
		if err := e.Decode(&msg); err != nil {
			continue
		}
		msg.ID = e.Key
		msgs = append(msgs, msg)
	}
	return msgs
}
