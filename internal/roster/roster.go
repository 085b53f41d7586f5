// Package roster maintains the bidirectional contact graph: who the user
// added, who is waiting for their approval, and the resolved profile
// details for each.
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"palaver/internal/cache"
	"palaver/internal/models"
	"palaver/internal/observability"
	"palaver/internal/remotelog"

	"github.com/c-pro/geche"
	"golang.org/x/sync/errgroup"
)

const profileCacheTTL = 5 * time.Minute

// userRecord is the relationship substructure of the current user's own
// record. Sibling fields (presence heartbeats and profile details share
// the same record) are deliberately not decoded here.
type userRecord struct {
	AddedRoomers     map[string]string `json:"addedRoomers"`
	PendingApprovals map[string]bool   `json:"pendingApprovals"`
}

// Synchronizer subscribes to the current user's record and keeps a
// resolved contact list current, short-circuiting snapshots whose
// relationship substructure did not change.
type Synchronizer struct {
	log      remotelog.Client
	store    *cache.Store
	logger   *slog.Logger
	uid      string
	onUpdate func([]models.Roomer)

	profiles geche.Geche[string, models.Profile]

	mu          sync.Mutex
	lastAdded   map[string]string
	lastPending map[string]bool
	seen        bool
	cancel      remotelog.CancelFunc
	closed      bool
}

func NewSynchronizer(ctx context.Context, log remotelog.Client, store *cache.Store, logger *slog.Logger, uid string, onUpdate func([]models.Roomer)) *Synchronizer {
	return &Synchronizer{
		log:      log,
		store:    store,
		logger:   logger.With("component", "roster"),
		uid:      uid,
		onUpdate: onUpdate,
		profiles: geche.NewMapTTLCache[string, models.Profile](ctx, profileCacheTTL, time.Minute),
	}
}

// Start paints the cached roster immediately, then subscribes to the
// user's own record for live relationship changes.
func (s *Synchronizer) Start(ctx context.Context) error {
	cached, err := s.store.GetRoster(s.uid)
	switch {
	case err == nil:
		s.deliver(cached)
	case errors.Is(err, models.ErrNotFound):
		// First run on this device.
	default:
		s.logger.Error("failed to load cached roster", "error", err)
	}

	cancel, err := s.log.Subscribe(remotelog.At(remotelog.UserPath(s.uid)), func(snap remotelog.Snapshot) {
		s.handleSnapshot(ctx, snap)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to user record: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

// Close tears down the subscription.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.closed = true
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Synchronizer) handleSnapshot(ctx context.Context, snap remotelog.Snapshot) {
	var record userRecord
	if len(snap.Entries) > 0 {
		if err := snap.Entries[0].Decode(&record); err != nil {
			s.logger.Error("failed to decode user record", "error", err)
			return
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.seen && maps.Equal(record.AddedRoomers, s.lastAdded) && maps.Equal(record.PendingApprovals, s.lastPending) {
		// Sibling-field write (presence heartbeat etc). No detail fetch.
		s.mu.Unlock()
		observability.RosterRefreshes.WithLabelValues("short_circuit").Inc()
		return
	}
	s.seen = true
	s.lastAdded = record.AddedRoomers
	s.lastPending = record.PendingApprovals
	s.mu.Unlock()

	observability.RosterRefreshes.WithLabelValues("resolve").Inc()
	roomers := s.resolve(ctx, record)

	if err := s.store.PutRoster(s.uid, roomers); err != nil {
		s.logger.Error("failed to cache roster", "error", err)
	}
	s.deliver(roomers)
}

// resolve fetches profile details for every uid in the relationship maps
// concurrently, dropping entries whose resolution failed and
// deduplicating by uid (last write wins, pendingApprovals over
// addedRoomers).
func (s *Synchronizer) resolve(ctx context.Context, record userRecord) []models.Roomer {
	type candidate struct {
		uid    string
		status models.RoomerStatus
	}

	candidates := make([]candidate, 0, len(record.AddedRoomers)+len(record.PendingApprovals))
	for uid, marker := range record.AddedRoomers {
		status := models.RoomerStatusPendingOutgoing
		if marker == models.EdgeAccepted {
			status = models.RoomerStatusAccepted
		}
		candidates = append(candidates, candidate{uid: uid, status: status})
	}
	for uid := range record.PendingApprovals {
		candidates = append(candidates, candidate{uid: uid, status: models.RoomerStatusPendingIncoming})
	}

	results := make([]*models.Roomer, len(candidates))
	g, gCtx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			profile, err := s.profile(gCtx, c.uid)
			if err != nil {
				// Partial failure is acceptable: drop this entry and
				// let the rest proceed.
				s.logger.Warn("failed to resolve profile", "uid", c.uid, "error", err)
				return nil
			}
			results[i] = &models.Roomer{
				UID:         profile.UID,
				DisplayName: profile.DisplayName,
				PhotoURL:    profile.PhotoURL,
				Status:      c.status,
			}
			return nil
		})
	}
	_ = g.Wait()

	// Dedupe by uid. A uid in both maps should not happen, but must not
	// crash; the later (pending_incoming) entry wins.
	byUID := make(map[string]models.Roomer)
	order := make([]string, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		if _, ok := byUID[r.UID]; !ok {
			order = append(order, r.UID)
		}
		byUID[r.UID] = *r
	}

	roomers := make([]models.Roomer, 0, len(order))
	for _, uid := range order {
		roomers = append(roomers, byUID[uid])
	}
	sort.Slice(roomers, func(i, j int) bool {
		return roomers[i].DisplayName < roomers[j].DisplayName
	})
	return roomers
}

func (s *Synchronizer) profile(ctx context.Context, uid string) (models.Profile, error) {
	if p, err := s.profiles.Get(uid); err == nil {
		return p, nil
	}

	entries, err := s.log.Get(ctx, remotelog.At(remotelog.UserPath(uid)))
	if err != nil {
		return models.Profile{}, err
	}
	if len(entries) == 0 {
		return models.Profile{}, models.ErrNotFound
	}

	var p models.Profile
	if err := entries[0].Decode(&p); err != nil {
		return models.Profile{}, err
	}
	p.UID = uid
	s.profiles.Set(uid, p)
	return p, nil
}

// Add creates an outgoing pending edge to peer: a marker on our own
// addedRoomers and a matching pendingApprovals marker on theirs.
func (s *Synchronizer) Add(ctx context.Context, peer string) error {
	err := s.log.Update(ctx, remotelog.Join(remotelog.UserPath(s.uid), "addedRoomers"), map[string]any{
		peer: models.EdgePending,
	})
	if err != nil {
		return fmt.Errorf("failed to add roomer: %w", err)
	}
	err = s.log.Update(ctx, remotelog.Join(remotelog.UserPath(peer), "pendingApprovals"), map[string]any{
		s.uid: true,
	})
	if err != nil {
		return fmt.Errorf("failed to record pending approval: %w", err)
	}
	return nil
}

// Approve transitions a pending_incoming edge to mutually accepted:
// the acceptance marker lands in our own addedRoomers, our pending
// marker is cleared, and the original adder's marker is upgraded so both
// directions claim the edge.
func (s *Synchronizer) Approve(ctx context.Context, peer string) error {
	err := s.log.Update(ctx, remotelog.Join(remotelog.UserPath(s.uid), "addedRoomers"), map[string]any{
		peer: models.EdgeAccepted,
	})
	if err != nil {
		return fmt.Errorf("failed to approve roomer: %w", err)
	}
	err = s.log.Update(ctx, remotelog.Join(remotelog.UserPath(s.uid), "pendingApprovals"), map[string]any{
		peer: nil,
	})
	if err != nil {
		return fmt.Errorf("failed to clear pending approval: %w", err)
	}
	err = s.log.Update(ctx, remotelog.Join(remotelog.UserPath(peer), "addedRoomers"), map[string]any{
		s.uid: models.EdgeAccepted,
	})
	if err != nil {
		return fmt.Errorf("failed to confirm roomer edge: %w", err)
	}
	return nil
}

// Remove deletes the edge from both directions' records. Removing an
// edge that does not exist is a no-op.
func (s *Synchronizer) Remove(ctx context.Context, peer string) error {
	for _, w := range []struct {
		path  string
		field string
	}{
		{remotelog.Join(remotelog.UserPath(s.uid), "addedRoomers"), peer},
		{remotelog.Join(remotelog.UserPath(s.uid), "pendingApprovals"), peer},
		{remotelog.Join(remotelog.UserPath(peer), "addedRoomers"), s.uid},
		{remotelog.Join(remotelog.UserPath(peer), "pendingApprovals"), s.uid},
	} {
		if err := s.log.Update(ctx, w.path, map[string]any{w.field: nil}); err != nil {
			return fmt.Errorf("failed to remove roomer edge at %s: %w", w.path, err)
		}
	}
	return nil
}

func (s *Synchronizer) deliver(roomers []models.Roomer) {
	if s.onUpdate != nil {
		s.onUpdate(roomers)
	}
}
