package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sessionblob/ingest/internal/config"
	"github.com/sessionblob/ingest/internal/message"
	"github.com/sessionblob/ingest/internal/telemetry"
)

type uploadCall struct {
	key  string
	body []byte
}

type fakeUploader struct {
	mu      sync.Mutex
	calls   []uploadCall
	blockCh chan struct{}
	err     error
}

func (f *fakeUploader) Upload(ctx context.Context, key string, body io.Reader) error {
	data, _ := io.ReadAll(body)

	f.mu.Lock()
	f.calls = append(f.calls, uploadCall{key: key, body: data})
	f.mu.Unlock()

	if f.blockCh != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.blockCh:
		}
	}
	return f.err
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeUploader) lastLineCount(t *testing.T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no upload calls recorded")
	}
	gr, err := gzip.NewReader(bytes.NewReader(f.calls[len(f.calls)-1].body))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read gzip body: %v", err)
	}
	lines := bytes.Count(bytes.TrimRight(raw, "\n"), []byte("\n"))
	if len(raw) > 0 {
		lines++
	}
	return lines
}

type fakeRealtimeStore struct {
	mu sync.Mutex

	cleared []string
	subs    map[string]func()

	added []message.Message

	bootstrapped     bool
	bootstrapContent []byte
	bootstrapOldest  *time.Time
}

func newFakeRealtimeStore() *fakeRealtimeStore {
	return &fakeRealtimeStore{subs: map[string]func(){}}
}

func (f *fakeRealtimeStore) ClearAllMessages(ctx context.Context, team, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, team+"/"+session)
	return nil
}

func (f *fakeRealtimeStore) OnSubscriptionEvent(ctx context.Context, team, session string, cb func()) (func(), error) {
	key := team + "/" + session
	f.mu.Lock()
	f.subs[key] = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, key)
		f.mu.Unlock()
	}, nil
}

func (f *fakeRealtimeStore) fire(team, session string) {
	f.mu.Lock()
	cb := f.subs[team+"/"+session]
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *fakeRealtimeStore) AddMessage(ctx context.Context, team, session string, msg message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, msg)
	return nil
}

func (f *fakeRealtimeStore) AddMessagesFromBuffer(ctx context.Context, team, session string, content []byte, oldest *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstrapped = true
	f.bootstrapContent = content
	f.bootstrapOldest = oldest
	return nil
}

func buildMsg(t *testing.T, ts time.Time, offset int64, padBytes int) message.Message {
	t.Helper()
	payload, err := json.Marshal(struct {
		Pad string `json:"pad"`
	}{Pad: string(bytes.Repeat([]byte("x"), padBytes))})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return message.Message{
		Team:      "acme",
		SessionID: "sess-1",
		Metadata:  message.Metadata{Timestamp: ts, Offset: offset, Partition: 0, Topic: "recordings"},
		Events:    []message.Event{{Timestamp: ts}},
		Payload:   payload,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testBufferConfig(t *testing.T) config.BufferConfig {
	t.Helper()
	return config.BufferConfig{
		MaxSizeKB:             1024 * 1024, // effectively disabled unless a test overrides it
		MaxAgeSeconds:         3600,
		AgeJitter:             0,
		AgeInMemoryMultiplier: 1.5,
		LocalDirectory:        t.TempDir(),
		FlushTimeout:          2 * time.Second,
	}
}

func newTestManager(t *testing.T, cfg config.BufferConfig, up *fakeUploader, rt *fakeRealtimeStore) *SessionManager {
	t.Helper()
	m, err := NewManager(context.Background(), cfg, "session_recordings", up, rt, "acme", "sess-1", 0, "recordings", func(low, high int64) {})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Destroy(context.Background()) })
	return m
}

// Scenario 1: size-triggered flush.
func TestSessionManager_SizeTriggeredFlush(t *testing.T) {
	cfg := testBufferConfig(t)
	cfg.MaxSizeKB = 1 // 1024 bytes

	up := &fakeUploader{}
	rt := newFakeRealtimeStore()
	m := newTestManager(t, cfg, up, rt)

	before := testutil.ToFloat64(telemetry.FilesWritten.WithLabelValues(string(ReasonBufferSize)))

	// A 183-byte pad makes each persisted line about 300 bytes, so the 4th
	// add (about 1200 bytes) is the first to reach the 1024-byte threshold.
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		msg := buildMsg(t, base.Add(time.Duration(i)*time.Second), int64(i+1), 183)
		if err := m.Add(msg); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}

	waitUntil(t, time.Second, func() bool {
		return testutil.ToFloat64(telemetry.FilesWritten.WithLabelValues(string(ReasonBufferSize))) > before
	})

	m.mu.Lock()
	flushingNil := m.flushing == nil
	activeCount := m.active.Count
	m.mu.Unlock()

	if !flushingNil {
		t.Fatal("want flushing cleared once the flush settles")
	}
	if activeCount != 1 {
		t.Fatalf("want 1 message left in the new active buffer, got %d", activeCount)
	}
	if up.callCount() != 1 {
		t.Fatalf("want exactly one upload, got %d", up.callCount())
	}
	if got := up.lastLineCount(t); got != 4 {
		t.Fatalf("want uploaded batch of 4 lines, got %d", got)
	}
}

// Scenario 2: age-triggered flush, source time.
func TestSessionManager_AgeTriggeredFlush_SourceTime(t *testing.T) {
	cfg := testBufferConfig(t)
	cfg.MaxAgeSeconds = 10
	cfg.AgeJitter = 0

	up := &fakeUploader{}
	rt := newFakeRealtimeStore()
	m := newTestManager(t, cfg, up, rt)

	if m.jitterMultiplier != 1 {
		t.Fatalf("want jitter multiplier 1 with zero jitter, got %v", m.jitterMultiplier)
	}

	base := time.UnixMilli(1_000_000)
	if err := m.Add(buildMsg(t, base, 1, 10)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	before := testutil.ToFloat64(telemetry.FilesWritten.WithLabelValues(string(ReasonBufferAge)))
	m.FlushIfSessionBufferIsOld(time.UnixMilli(1_010_001))

	waitUntil(t, time.Second, func() bool {
		return testutil.ToFloat64(telemetry.FilesWritten.WithLabelValues(string(ReasonBufferAge))) > before
	})
}

// Scenario 3: age-triggered flush, wall-clock precedence.
func TestSessionManager_AgeTriggeredFlush_WallClockPrecedence(t *testing.T) {
	cfg := testBufferConfig(t)
	cfg.MaxAgeSeconds = 10
	cfg.AgeJitter = 0
	cfg.AgeInMemoryMultiplier = 1.5

	up := &fakeUploader{}
	rt := newFakeRealtimeStore()
	m := newTestManager(t, cfg, up, rt)

	wallClock := time.UnixMilli(0)
	m.now = func() time.Time { return wallClock }
	m.active.CreatedAt = wallClock

	if err := m.Add(buildMsg(t, time.UnixMilli(1_000_000), 1, 10)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	wallClock = time.UnixMilli(15_001)

	before := testutil.ToFloat64(telemetry.FilesWritten.WithLabelValues(string(ReasonBufferAgeRealtime)))
	m.FlushIfSessionBufferIsOld(time.UnixMilli(1_000_500)) // source age = 500ms, under threshold

	waitUntil(t, time.Second, func() bool {
		return testutil.ToFloat64(telemetry.FilesWritten.WithLabelValues(string(ReasonBufferAgeRealtime))) > before
	})
}

// Scenario 4: flush de-duplication.
func TestSessionManager_FlushDeduplication(t *testing.T) {
	cfg := testBufferConfig(t)
	up := &fakeUploader{blockCh: make(chan struct{})}
	rt := newFakeRealtimeStore()
	m := newTestManager(t, cfg, up, rt)

	if err := m.Add(buildMsg(t, time.Unix(1_700_000_000, 0), 1, 10)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	before := testutil.ToFloat64(telemetry.FilesWritten.WithLabelValues(string(ReasonBufferAge)))

	if err := m.Flush(context.Background(), ReasonBufferAge); err != nil {
		t.Fatalf("first Flush: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return up.callCount() == 1 })

	if err := m.Flush(context.Background(), ReasonBufferAge); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if up.callCount() != 1 {
		t.Fatalf("want second Flush to be a no-op, got %d upload calls", up.callCount())
	}

	close(up.blockCh)
	waitUntil(t, time.Second, func() bool {
		return testutil.ToFloat64(telemetry.FilesWritten.WithLabelValues(string(ReasonBufferAge))) > before
	})
	if up.callCount() != 1 {
		t.Fatalf("want exactly one upload across both Flush calls, got %d", up.callCount())
	}
}

// Scenario 5: destroy during upload aborts cleanly.
func TestSessionManager_DestroyDuringUpload(t *testing.T) {
	cfg := testBufferConfig(t)
	up := &fakeUploader{blockCh: make(chan struct{})} // never closed: upload never resolves on its own
	rt := newFakeRealtimeStore()

	var finishedMu sync.Mutex
	var finishedLow, finishedHigh int64
	finished := make(chan struct{})

	m, err := NewManager(context.Background(), cfg, "session_recordings", up, rt, "acme", "sess-1", 0, "recordings",
		func(low, high int64) {
			finishedMu.Lock()
			finishedLow, finishedHigh = low, high
			finishedMu.Unlock()
			close(finished)
		})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for i, off := range []int64{5, 6, 7} {
		if err := m.Add(buildMsg(t, time.Unix(1_700_000_000+int64(i), 0), off, 10)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	errBefore := testutil.ToFloat64(telemetry.WriteErrored)

	if err := m.Flush(context.Background(), ReasonBufferAge); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return up.callCount() == 1 })

	activePath := m.active.Path
	m.mu.Lock()
	flushingPath := m.flushing.Path
	m.mu.Unlock()

	m.Destroy(context.Background())

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("onFinish was never called after destroy")
	}

	finishedMu.Lock()
	low, high := finishedLow, finishedHigh
	finishedMu.Unlock()
	if low != 5 || high != 7 {
		t.Fatalf("want offsets [5,7], got [%d,%d]", low, high)
	}

	if got := testutil.ToFloat64(telemetry.WriteErrored); got != errBefore {
		t.Fatalf("abort during destroy must not count as a write error, delta=%v", got-errBefore)
	}

	if _, err := os.Stat(activePath); !os.IsNotExist(err) {
		t.Fatalf("want active buffer file removed, stat err = %v", err)
	}
	if _, err := os.Stat(flushingPath); !os.IsNotExist(err) {
		t.Fatalf("want flushing buffer file removed, stat err = %v", err)
	}
}

// Scenario 6: realtime activation.
func TestSessionManager_RealtimeActivation(t *testing.T) {
	cfg := testBufferConfig(t)
	up := &fakeUploader{}
	rt := newFakeRealtimeStore()
	m := newTestManager(t, cfg, up, rt)

	base := time.Unix(1_700_000_000, 0)
	if err := m.Add(buildMsg(t, base, 1, 10)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(buildMsg(t, base.Add(time.Second), 2, 10)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	rt.fire("acme", "sess-1")

	waitUntil(t, time.Second, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.bootstrapped
	})

	rt.mu.Lock()
	oldest := rt.bootstrapOldest
	rt.mu.Unlock()
	if oldest == nil || !oldest.Equal(base) {
		t.Fatalf("want bootstrap oldest ts %v, got %v", base, oldest)
	}

	if err := m.Add(buildMsg(t, base.Add(2*time.Second), 3, 10)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.added) == 1
	})

	if err := m.Flush(context.Background(), ReasonBufferAge); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.flushing == nil
	})

	m.mu.Lock()
	realtimeActive := m.realtimeActive
	m.mu.Unlock()
	if realtimeActive {
		t.Fatal("want realtime disabled after a successful flush")
	}
}
