// Package presence maintains the current user's "active room" flag with
// guaranteed cleanup on disconnect, tab-hide, and navigation.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"palaver/internal/observability"
	"palaver/internal/remotelog"
)

// HeartbeatEvery is how often lastOnline is refreshed while the tab is
// visible, independent of room presence.
const HeartbeatEvery = 15 * time.Second

// Tracker writes the current user's presence record. All writes are best
// effort: a failed write leaves the record momentarily stale, which peers
// compensate for with the staleness threshold.
type Tracker struct {
	log    remotelog.Client
	logger *slog.Logger
	uid    string

	// Overridable for tests.
	now       func() time.Time
	heartbeat time.Duration

	mu         sync.Mutex
	roomID     string
	visible    bool
	commitment remotelog.Commitment
}

func NewTracker(log remotelog.Client, logger *slog.Logger, uid string) *Tracker {
	return &Tracker{
		log:       log,
		logger:    logger.With("component", "presence"),
		uid:       uid,
		now:       time.Now,
		heartbeat: HeartbeatEvery,
		visible:   true,
	}
}

// Enter marks the user as viewing roomID and arms an on-disconnect
// commitment that clears the flag if the connection drops uncleanly.
func (t *Tracker) Enter(ctx context.Context, roomID string) {
	t.mu.Lock()
	prev := t.commitment
	t.roomID = roomID
	commitment := t.log.OnDisconnect(remotelog.UserPath(t.uid))
	t.commitment = commitment
	t.mu.Unlock()

	// A commitment from a previous room must not fire after we have
	// moved on.
	if prev != nil {
		if err := prev.Cancel(ctx); err != nil {
			t.logger.Warn("failed to cancel stale commitment", "error", err)
		}
	}
	if err := commitment.Update(ctx, map[string]any{"activeRoom": nil}); err != nil {
		t.logger.Warn("failed to arm on-disconnect commitment", "error", err)
	}

	t.write(ctx, "enter", map[string]any{
		"activeRoom": roomID,
		"lastOnline": t.now().UnixMilli(),
	})
}

// Hidden handles visibility change to hidden (or page unload): an
// orderly proactive clear. The armed commitment stays in place; both
// writers converge to the same value, so their ordering is immaterial.
func (t *Tracker) Hidden(ctx context.Context) {
	t.mu.Lock()
	t.visible = false
	t.mu.Unlock()
	t.write(ctx, "hide", map[string]any{"activeRoom": nil})
}

// Visible re-asserts room presence when the tab becomes visible while
// still in a room.
func (t *Tracker) Visible(ctx context.Context) {
	t.mu.Lock()
	t.visible = true
	roomID := t.roomID
	t.mu.Unlock()

	if roomID == "" {
		return
	}
	t.write(ctx, "show", map[string]any{
		"activeRoom": roomID,
		"lastOnline": t.now().UnixMilli(),
	})
}

// Leave handles navigating away from the room: the pending commitment is
// cancelled first so a stale future write cannot land after the user has
// moved to a different room, then the flag is cleared synchronously.
func (t *Tracker) Leave(ctx context.Context) {
	t.mu.Lock()
	commitment := t.commitment
	t.commitment = nil
	t.roomID = ""
	t.mu.Unlock()

	if commitment != nil {
		if err := commitment.Cancel(ctx); err != nil {
			t.logger.Warn("failed to cancel commitment", "error", err)
		}
	}
	t.write(ctx, "leave", map[string]any{"activeRoom": nil})
}

// Run refreshes lastOnline on a fixed cadence while the tab is visible,
// so peers can tell "recently seen" from "long gone" even outside a
// shared room. Blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.mu.Lock()
			visible := t.visible
			t.mu.Unlock()
			if !visible {
				continue
			}
			t.write(ctx, "heartbeat", map[string]any{
				"lastOnline": t.now().UnixMilli(),
			})
		}
	}
}

func (t *Tracker) write(ctx context.Context, trigger string, fields map[string]any) {
	observability.PresenceWrites.WithLabelValues(trigger).Inc()
	if err := t.log.Update(ctx, remotelog.UserPath(t.uid), fields); err != nil {
		// Best effort. Peers fall back to the staleness rule.
		t.logger.Warn("presence write failed", "trigger", trigger, "error", err)
	}
}
