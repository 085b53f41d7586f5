package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"palaver/internal/cache"
	"palaver/internal/models"
	"palaver/internal/remotelog"
)

func newTestEngine(t *testing.T) (*Engine, *remotelog.MemoryLog, *cache.Store) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "syncer_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := cache.NewStore(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := remotelog.NewMemoryLog()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewEngine(log, store, logger, "u1", "Alice"), log, store
}

// seedLog places a message with a fixed id and timestamp into the remote
// log.
func seedLog(t *testing.T, log *remotelog.MemoryLog, roomID, id string, ts int64) {
	t.Helper()
	err := log.Update(context.Background(), remotelog.RoomMessagesPath(roomID), map[string]any{
		id: map[string]any{
			"senderId":   "u2",
			"senderName": "Bob",
			"text":       "msg " + id,
			"timestamp":  ts,
		},
	})
	if err != nil {
		t.Fatalf("seedLog failed: %v", err)
	}
}

func timestamps(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Timestamp
	}
	return out
}

func equalInt64(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOpenWithEmptyCache(t *testing.T) {
	engine, log, _ := newTestEngine(t)
	roomID := "u1_u2"

	seedLog(t, log, roomID, "m1", 100)
	seedLog(t, log, roomID, "m2", 200)

	session, err := engine.Open(roomID, Options{Backfill: 25})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	if session.State() != StateLiveSubscribed {
		t.Errorf("expected StateLiveSubscribed, got %v", session.State())
	}
	if got := timestamps(session.Messages()); !equalInt64(got, []int64{100, 200}) {
		t.Errorf("unexpected sequence: %v", got)
	}

	// Live delivery lands in the sequence and in the cache.
	seedLog(t, log, roomID, "m3", 300)
	if got := timestamps(session.Messages()); !equalInt64(got, []int64{100, 200, 300}) {
		t.Errorf("unexpected sequence after live delivery: %v", got)
	}
}

func TestWatermarkSkipsCachedHistory(t *testing.T) {
	engine, log, store := newTestEngine(t)
	roomID := "u1_u2"

	// Cache holds [100,200,300]; the log still has 300 plus a new 400.
	cached := []models.Message{
		{ID: "m1", Timestamp: 100, SenderID: "u2", Text: "msg m1"},
		{ID: "m2", Timestamp: 200, SenderID: "u2", Text: "msg m2"},
		{ID: "m3", Timestamp: 300, SenderID: "u2", Text: "msg m3"},
	}
	if err := store.PutMessages(roomID, cached); err != nil {
		t.Fatal(err)
	}
	seedLog(t, log, roomID, "m3", 300)
	seedLog(t, log, roomID, "m4", 400)

	var painted [][]models.Message
	session, err := engine.Open(roomID, Options{
		OnUpdate: func(msgs []models.Message) { painted = append(painted, msgs) },
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	// First paint is the cache, before any network result.
	if len(painted) == 0 || !equalInt64(timestamps(painted[0]), []int64{100, 200, 300}) {
		t.Fatalf("expected cache paint [100 200 300], got %+v", painted)
	}

	// Watermark 301 keeps the duplicate at 300 out; 400 arrives once.
	got := timestamps(session.Messages())
	if !equalInt64(got, []int64{100, 200, 300, 400}) {
		t.Errorf("expected [100 200 300 400], got %v", got)
	}
	if len(session.Messages()) != 4 {
		t.Errorf("duplicate delivery not absorbed")
	}
}

func TestOverlappingDeliveriesCommute(t *testing.T) {
	engine, log, _ := newTestEngine(t)
	roomID := "u1_u2"

	for i := 1; i <= 8; i++ {
		seedLog(t, log, roomID, fmt.Sprintf("m%d", i), int64(i*100))
	}

	// Backfill holds only the trailing 3; pagination then overlaps with
	// further live re-deliveries.
	session, err := engine.Open(roomID, Options{Backfill: 3, PageSize: 4})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	if _, err := session.LoadOlder(context.Background()); err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	// A new push re-fires the live range while pagination results are
	// already merged.
	seedLog(t, log, roomID, "m9", 900)

	got := timestamps(session.Messages())
	want := []int64{200, 300, 400, 500, 600, 700, 800, 900}
	if !equalInt64(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	seen := make(map[string]bool)
	for _, m := range session.Messages() {
		if seen[m.ID] {
			t.Errorf("duplicate id %s in sequence", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestPaginationTerminates(t *testing.T) {
	engine, log, _ := newTestEngine(t)
	roomID := "u1_u2"

	for i := 1; i <= 12; i++ {
		seedLog(t, log, roomID, fmt.Sprintf("m%02d", i), int64(i*100))
	}

	session, err := engine.Open(roomID, Options{Backfill: 2, PageSize: 5})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	// 10 older messages: two full pages, then a short one.
	for i, wantMore := range []bool{true, true, false} {
		hasMore, err := session.LoadOlder(context.Background())
		if err != nil {
			t.Fatalf("LoadOlder %d failed: %v", i, err)
		}
		if hasMore != wantMore {
			t.Errorf("call %d: expected hasMore=%v, got %v", i, wantMore, hasMore)
		}
	}
	if !session.AllLoaded() {
		t.Error("expected allLoaded after exhausting history")
	}

	// Terminal: further calls are no-ops.
	hasMore, err := session.LoadOlder(context.Background())
	if err != nil {
		t.Fatalf("LoadOlder after allLoaded failed: %v", err)
	}
	if hasMore {
		t.Error("expected no more history")
	}
	if got := len(session.Messages()); got != 12 {
		t.Errorf("expected 12 messages, got %d", got)
	}
}

func TestPaginationBoundary(t *testing.T) {
	// Exactly page-size results mean "maybe more"; only a short page
	// flips allLoaded.
	t.Run("ExactlyPageSize", func(t *testing.T) {
		engine, log, _ := newTestEngine(t)
		roomID := "u1_u2"
		for i := 1; i <= 11; i++ {
			seedLog(t, log, roomID, fmt.Sprintf("m%02d", i), int64(i*100))
		}

		session, err := engine.Open(roomID, Options{Backfill: 1, PageSize: 10})
		if err != nil {
			t.Fatal(err)
		}
		defer session.Close()

		hasMore, err := session.LoadOlder(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !hasMore || session.AllLoaded() {
			t.Error("exactly-page-size fetch must not flip allLoaded")
		}

		hasMore, err = session.LoadOlder(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if hasMore || !session.AllLoaded() {
			t.Error("empty follow-up fetch must flip allLoaded")
		}
	})

	t.Run("OneShortOfPageSize", func(t *testing.T) {
		engine, log, _ := newTestEngine(t)
		roomID := "u1_u2"
		for i := 1; i <= 10; i++ {
			seedLog(t, log, roomID, fmt.Sprintf("m%02d", i), int64(i*100))
		}

		session, err := engine.Open(roomID, Options{Backfill: 1, PageSize: 10})
		if err != nil {
			t.Fatal(err)
		}
		defer session.Close()

		// 9 older messages available: one short fetch flips immediately.
		hasMore, err := session.LoadOlder(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if hasMore || !session.AllLoaded() {
			t.Error("short page must flip allLoaded immediately")
		}
	})
}

func TestPaginationEmptyHistory(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	session, err := engine.Open("u1_u2", Options{PageSize: 5})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	// A room with no history at all still terminates: the unanchored
	// fetch comes back short and flips allLoaded on the first call.
	hasMore, err := session.LoadOlder(context.Background())
	if err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	if hasMore {
		t.Error("expected hasMore=false for empty history")
	}
	if !session.AllLoaded() {
		t.Error("expected allLoaded after fetching an empty history")
	}
	for i := 0; i < 3; i++ {
		hasMore, err := session.LoadOlder(context.Background())
		if err != nil || hasMore {
			t.Fatalf("call %d: expected terminal no-op, got hasMore=%v err=%v", i, hasMore, err)
		}
	}
}

// countingLog counts the range fetches that actually reach the log.
type countingLog struct {
	remotelog.Client
	gets atomic.Int32
}

func (c *countingLog) Get(ctx context.Context, q remotelog.Query) ([]remotelog.Entry, error) {
	c.gets.Add(1)
	return c.Client.Get(ctx, q)
}

func TestReopenServesCachedPages(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "syncer_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := cache.NewStore(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	memLog := remotelog.NewMemoryLog()
	log := &countingLog{Client: memLog}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	engine := NewEngine(log, store, logger, "u1", "Alice")
	roomID := "u1_u2"

	// An earlier session left 25 messages in both the log and the cache.
	var cached []models.Message
	for i := 1; i <= 25; i++ {
		id := fmt.Sprintf("m%02d", i)
		seedLog(t, memLog, roomID, id, int64(i*100))
		cached = append(cached, models.Message{
			ID: id, SenderID: "u2", SenderName: "Bob",
			Text: "msg " + id, Timestamp: int64(i * 100),
		})
	}
	if err := store.PutMessages(roomID, cached); err != nil {
		t.Fatal(err)
	}

	session, err := engine.Open(roomID, Options{Backfill: 10, PageSize: 10})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	// The paint is bounded: only the newest ten come into memory.
	if got := timestamps(session.Messages()); !equalInt64(got, []int64{
		1600, 1700, 1800, 1900, 2000, 2100, 2200, 2300, 2400, 2500,
	}) {
		t.Fatalf("expected bounded paint of the newest page, got %v", got)
	}

	// The first older page is whole in the cache: no round-trip.
	hasMore, err := session.LoadOlder(context.Background())
	if err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	if !hasMore {
		t.Error("expected more history after a full cache page")
	}
	if got := log.gets.Load(); got != 0 {
		t.Errorf("full cache page must not reach the log, got %d fetches", got)
	}
	if got := len(session.Messages()); got != 20 {
		t.Errorf("expected 20 messages after first page, got %d", got)
	}

	// The cache runs short on the next page, so the log answers and its
	// short result terminates pagination.
	hasMore, err = session.LoadOlder(context.Background())
	if err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	if hasMore || !session.AllLoaded() {
		t.Error("expected allLoaded after the log returned a short page")
	}
	if got := log.gets.Load(); got != 1 {
		t.Errorf("expected exactly one log fetch, got %d", got)
	}
	if got := len(session.Messages()); got != 25 {
		t.Errorf("expected the full history of 25, got %d", got)
	}
}

func TestPrependHookReportsCount(t *testing.T) {
	engine, log, _ := newTestEngine(t)
	roomID := "u1_u2"
	for i := 1; i <= 7; i++ {
		seedLog(t, log, roomID, fmt.Sprintf("m%d", i), int64(i*100))
	}

	var prepends []int
	session, err := engine.Open(roomID, Options{
		Backfill:  2,
		PageSize:  3,
		OnPrepend: func(count int) { prepends = append(prepends, count) },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if _, err := session.LoadOlder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(prepends) != 1 || prepends[0] != 3 {
		t.Errorf("expected one prepend of 3, got %v", prepends)
	}
}

func TestCloseDropsLateSnapshots(t *testing.T) {
	engine, log, _ := newTestEngine(t)
	roomID := "u1_u2"
	seedLog(t, log, roomID, "m1", 100)

	session, err := engine.Open(roomID, Options{})
	if err != nil {
		t.Fatal(err)
	}
	session.Close()

	before := len(session.Messages())
	// Deliver straight into the closed session, simulating a snapshot
	// already in flight at teardown.
	session.handleLive(remotelog.Snapshot{Entries: []remotelog.Entry{
		{Key: "m2", Value: map[string]any{"timestamp": int64(200), "text": "late"}},
	}})
	if got := len(session.Messages()); got != before {
		t.Errorf("late snapshot applied after Close: %d -> %d", before, got)
	}

	if _, err := session.LoadOlder(context.Background()); !errors.Is(err, models.ErrClosed) {
		t.Errorf("expected ErrClosed from LoadOlder, got %v", err)
	}
}

func TestPaginationFailureIsRetryable(t *testing.T) {
	engine, log, store := newTestEngine(t)
	roomID := "u1_u2"
	for i := 1; i <= 6; i++ {
		seedLog(t, log, roomID, fmt.Sprintf("m%d", i), int64(i*100))
	}

	session, err := engine.Open(roomID, Options{Backfill: 2, PageSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	// A cancelled context fails the fetch; allLoaded must stay untouched
	// and the gate must reopen for a retry.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	hasMore, err := session.LoadOlder(cancelled)
	if err == nil {
		t.Fatal("expected fetch error from cancelled context")
	}
	if !hasMore || session.AllLoaded() {
		t.Error("failed fetch must not flip allLoaded")
	}

	hasMore, err = session.LoadOlder(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !hasMore {
		t.Error("expected more history on retry")
	}
	_ = store
}

func TestSendRoundTrip(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	roomID := "u1_u2"

	session, err := engine.Open(roomID, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if err := session.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs := session.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected the sent message back via live delivery, got %d", len(msgs))
	}
	if msgs[0].SenderID != "u1" || msgs[0].SenderName != "Alice" || msgs[0].Text != "hello" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
	if msgs[0].Timestamp == 0 {
		t.Error("timestamp not server-assigned")
	}
}
