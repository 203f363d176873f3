// Package session implements the per-session double-buffer state machine:
// the active/flushing buffer swap, the flush decision policy, the guarded
// upload pipeline, and the realtime-mirror activation protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/sessionblob/ingest/internal/buffer"
	"github.com/sessionblob/ingest/internal/config"
	"github.com/sessionblob/ingest/internal/logging"
	"github.com/sessionblob/ingest/internal/message"
	"github.com/sessionblob/ingest/internal/objectstore"
	"github.com/sessionblob/ingest/internal/realtime"
	"github.com/sessionblob/ingest/internal/telemetry"
)

// FlushReason labels why a flush was triggered; it is also the Prometheus
// label value for recording_s3_files_written.
type FlushReason string

const (
	ReasonBufferSize        FlushReason = "buffer_size"
	ReasonBufferAge         FlushReason = "buffer_age"
	ReasonBufferAgeRealtime FlushReason = "buffer_age_realtime"
)

// soft timeouts only log; they never cancel the operation they guard.
const (
	softCloseTimeout  = 5 * time.Second
	softUploadTimeout = 20 * time.Second
)

var (
	errEmptyFlush = errors.New("session: flush attempted on empty buffer")
	errAborted    = errors.New("session: upload aborted")
)

// SessionManager owns exactly one active buffer and at most one flushing
// buffer for a single (team, session) pair. Its public methods are not
// safe to call concurrently from multiple goroutines except where noted —
// the dispatcher guarantees serial entry per manager from the partition
// claim goroutine; Destroy and the realtime-subscription callback may run
// on other goroutines, so internal state is still guarded by a mutex.
type SessionManager struct {
	cfg          config.BufferConfig
	remoteFolder string
	uploader     objectstore.Uploader
	rt           realtime.Store

	team      string
	session   string
	partition int32
	topic     string

	onFinish func(low, high int64)

	jitterMultiplier    float64
	unsubscribeRealtime func()

	now func() time.Time

	mu             sync.Mutex
	active         *buffer.Buffer
	flushing       *buffer.Buffer
	flushDone      chan struct{} // closed once the current flush has released flushing's file
	realtimeActive bool
	destroying     bool
	uploadCancel   context.CancelFunc
}

// NewManager creates a session manager, clearing any stale realtime state
// for (team, session) and opening a fresh active buffer.
func NewManager(
	ctx context.Context,
	cfg config.BufferConfig,
	remoteFolder string,
	uploader objectstore.Uploader,
	rt realtime.Store,
	team, session string,
	partition int32,
	topic string,
	onFinish func(low, high int64),
) (*SessionManager, error) {
	if err := rt.ClearAllMessages(ctx, team, session); err != nil {
		logging.Capture(err, "session: clear stale realtime state failed", "team", team, "session", session)
	}

	m := &SessionManager{
		cfg:              cfg,
		remoteFolder:     remoteFolder,
		uploader:         uploader,
		rt:               rt,
		team:             team,
		session:          session,
		partition:        partition,
		topic:            topic,
		onFinish:         onFinish,
		jitterMultiplier: sampleJitter(cfg.AgeJitter),
		now:              time.Now,
	}

	active, err := m.newActiveBuffer()
	if err != nil {
		return nil, fmt.Errorf("session: create active buffer: %w", err)
	}
	m.active = active

	unsubscribe, err := rt.OnSubscriptionEvent(ctx, team, session, func() {
		m.activateRealtime(context.Background())
	})
	if err != nil {
		logging.Capture(err, "session: realtime subscription failed", "team", team, "session", session)
	} else {
		m.unsubscribeRealtime = unsubscribe
	}

	return m, nil
}

// sampleJitter draws the once-per-construction multiplier from [1-j, 1].
func sampleJitter(j float64) float64 {
	if j <= 0 {
		return 1
	}
	if j >= 1 {
		j = 0.999999
	}
	return 1 - rand.Float64()*j
}

func (m *SessionManager) newActiveBuffer() (*buffer.Buffer, error) {
	b, err := buffer.New(m.cfg.LocalDirectory, m.team, m.session)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = m.now()
	return b, nil
}

// Add appends one message to the active buffer, fire-and-forget publishes
// it to the realtime mirror if active, and flushes on size pressure. The
// append itself runs under m.mu — Buffer is not safe for concurrent use,
// and activateRealtime's bootstrap read runs on the realtime store's own
// subscription-callback goroutine, not the caller's.
func (m *SessionManager) Add(msg message.Message) error {
	m.mu.Lock()
	err := m.active.Append(msg)
	realtimeActive := m.realtimeActive
	sizeExceeded := err == nil && m.active.SizeEstimate >= m.cfg.MaxSizeKB*1024
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if realtimeActive {
		go func() {
			if err := m.rt.AddMessage(context.Background(), m.team, m.session, msg); err != nil {
				logging.Capture(err, "session: realtime publish failed", "team", m.team, "session", m.session)
			}
		}()
	}

	if sizeExceeded {
		if err := m.Flush(context.Background(), ReasonBufferSize); err != nil {
			logging.Capture(err, "session: size-triggered flush failed to start", "team", m.team, "session", m.session)
		}
	}
	return nil
}

// FlushIfSessionBufferIsOld is the dispatcher's age-based flush tick.
// referenceNow is source-log time (§4.B), typically the newest timestamp
// observed across the partition.
func (m *SessionManager) FlushIfSessionBufferIsOld(referenceNow time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("session: invariant violation recovered", "team", m.team, "session", m.session, "panic", r)
		}
	}()

	m.mu.Lock()
	active := m.active
	flushingInProgress := m.flushing != nil
	destroying := m.destroying
	m.mu.Unlock()

	if destroying || flushingInProgress || active.Empty() {
		return
	}
	if active.OldestSourceTs == nil {
		panic(fmt.Sprintf("buffer invariant violated: count=%d but oldestSourceTs=nil", active.Count))
	}

	baseMs := float64(m.cfg.MaxAgeSeconds) * 1000 * m.jitterMultiplier
	sourceAgeMs := float64(referenceNow.Sub(*active.OldestSourceTs).Milliseconds())

	if sourceAgeMs >= baseMs {
		if err := m.Flush(context.Background(), ReasonBufferAge); err != nil {
			logging.Capture(err, "session: age-triggered flush failed to start", "team", m.team, "session", m.session)
		}
		return
	}

	wallAgeMs := float64(m.now().Sub(active.CreatedAt).Milliseconds())
	wallThresholdMs := baseMs * m.cfg.AgeInMemoryMultiplier
	if wallAgeMs >= wallThresholdMs {
		if err := m.Flush(context.Background(), ReasonBufferAgeRealtime); err != nil {
			logging.Capture(err, "session: age-triggered flush failed to start", "team", m.team, "session", m.session)
		}
	}
}

// Flush swaps the active buffer for a fresh one and processes the old one
// off the hot path in a background goroutine. It fast-returns if a flush
// is already in progress, giving effective mutual exclusion without a
// lock held across the whole attempt. The emptiness check is performed
// AFTER the swap, inside the guarded goroutine (doFlush) — not before — so
// an empty forced flush still discards whatever was sitting in active.
func (m *SessionManager) Flush(ctx context.Context, reason FlushReason) error {
	m.mu.Lock()
	if m.destroying {
		m.mu.Unlock()
		return nil
	}
	if m.flushing != nil {
		m.mu.Unlock()
		logging.L().Warn("session: flush already running, skipping", "team", m.team, "session", m.session, "reason", reason)
		return nil
	}

	newActive, err := m.newActiveBuffer()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("session: create replacement active buffer: %w", err)
	}

	flushing := m.active
	m.active = newActive
	m.flushing = flushing
	done := make(chan struct{})
	m.flushDone = done
	m.mu.Unlock()

	go m.runFlush(flushing, reason, done)
	return nil
}

// runFlush drives one flush attempt to completion and closes done once
// doFlush has permanently stopped touching flushing's file — not before,
// even on the hard-timeout path, so Destroy can wait on done rather than
// tear the buffer down out from under a still-running doFlush.
func (m *SessionManager) runFlush(flushing *buffer.Buffer, reason FlushReason, done chan struct{}) {
	start := m.now()

	uploadCtx, uploadCancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.uploadCancel = uploadCancel
	m.mu.Unlock()

	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- fmt.Errorf("session: invariant violation during flush: %v", r)
			}
		}()
		resultCh <- m.doFlush(uploadCtx, flushing, reason)
	}()

	var err error
	hardTimedOut := false
	select {
	case err = <-resultCh:
		close(done)
	case <-time.After(m.cfg.FlushTimeout):
		hardTimedOut = true
		err = fmt.Errorf("session: flush exceeded hard timeout of %s", m.cfg.FlushTimeout)
		logging.L().Error("session: flush hard timeout, forcing endFlush", "team", m.team, "session", m.session, "reason", reason)
		// The hard timer forces endFlush without cancelling the upload —
		// only destroy() actively aborts. Drain the goroutine's result so
		// it doesn't leak once the upload eventually settles, and only
		// then signal done: doFlush is still holding flushing's file until
		// this drain completes.
		go func() {
			<-resultCh
			close(done)
		}()
	}

	telemetry.FlushTimeSeconds.Observe(m.now().Sub(start).Seconds())

	m.mu.Lock()
	m.uploadCancel = nil
	m.mu.Unlock()

	m.endFlush(flushing, reason, err, hardTimedOut)
}

func (m *SessionManager) doFlush(ctx context.Context, flushing *buffer.Buffer, reason FlushReason) error {
	if flushing.Empty() {
		return errEmptyFlush
	}
	if flushing.EventsRange == nil {
		panic("flush: non-empty buffer has nil eventsRange")
	}

	key := objectKey(m.remoteFolder, m.team, m.session, flushing.EventsRange.First, flushing.EventsRange.Last)

	closeDone := make(chan error, 1)
	go func() { closeDone <- flushing.Close() }()
	select {
	case err := <-closeDone:
		if err != nil {
			logging.Capture(err, "session: buffer writer close reported error", "team", m.team, "session", m.session)
		}
	case <-time.After(softCloseTimeout):
		logging.L().Warn("session: buffer writer close exceeded soft timeout", "team", m.team, "session", m.session)
		if err := <-closeDone; err != nil {
			logging.Capture(err, "session: buffer writer close reported error", "team", m.team, "session", m.session)
		}
	}

	f, err := os.Open(flushing.Path)
	if err != nil {
		return fmt.Errorf("session: open flushed buffer file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	go func() {
		gw := gzip.NewWriter(pw)
		_, copyErr := io.Copy(gw, f)
		closeErr := gw.Close()
		if copyErr == nil {
			copyErr = closeErr
		}
		pw.CloseWithError(copyErr)
	}()

	uploadDone := make(chan error, 1)
	go func() { uploadDone <- m.uploader.Upload(ctx, key, pr) }()

	var uploadErr error
	select {
	case uploadErr = <-uploadDone:
	case <-time.After(softUploadTimeout):
		logging.L().Warn("session: upload exceeded soft timeout", "team", m.team, "session", m.session, "key", key)
		uploadErr = <-uploadDone
	}

	if uploadErr != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return errAborted
		}
		return fmt.Errorf("session: upload %s failed: %w", key, uploadErr)
	}

	telemetry.FilesWritten.WithLabelValues(string(reason)).Inc()
	telemetry.LinesWritten.Observe(float64(flushing.Count))
	telemetry.KBWritten.Observe(float64(flushing.SizeEstimate) / 1024)
	telemetry.SessionLines.Observe(float64(flushing.Count))
	telemetry.SessionSizeKB.Observe(float64(flushing.SizeEstimate) / 1024)
	telemetry.SessionAgeSeconds.Observe(m.now().Sub(flushing.CreatedAt).Seconds())

	return nil
}

// endFlush runs exactly once per flush attempt: it captures the flushing
// buffer's offsets, clears the upload handle, disables the realtime
// mirror (the file is no longer canonical), asynchronously destroys the
// flushing buffer, clears the flushing slot, and reports offsets to the
// dispatcher. On an empty-buffer flush no offsets exist to report.
func (m *SessionManager) endFlush(flushing *buffer.Buffer, reason FlushReason, err error, hardTimedOut bool) {
	if err != nil {
		switch {
		case errors.Is(err, errAborted):
			// expected during destroy; not an error worth recording.
		case errors.Is(err, errEmptyFlush):
			logging.L().Warn("session: flush attempted on empty buffer", "team", m.team, "session", m.session)
		default:
			logging.Capture(err, "session: flush failed", "team", m.team, "session", m.session, "reason", reason, "hard_timeout", hardTimedOut)
			telemetry.WriteErrored.Inc()
		}
	}

	empty := flushing.Empty()
	var low, high int64
	if !empty {
		low, high = flushing.Offsets.Lowest, flushing.Offsets.Highest
	}

	m.mu.Lock()
	m.uploadCancel = nil
	m.realtimeActive = false
	m.flushing = nil
	m.mu.Unlock()

	go func() {
		if derr := flushing.Destroy(); derr != nil {
			logging.Capture(derr, "session: failed destroying flushed buffer", "team", m.team, "session", m.session)
		}
	}()

	if !empty && m.onFinish != nil {
		m.onFinish(low, high)
	}
}

// objectKey derives the S3 key from the flushing batch's event-payload
// timestamp range — not wall clock, not source-log time.
func objectKey(remoteFolder, team, session string, first, last time.Time) string {
	return fmt.Sprintf("%s/team_id/%s/session_id/%s/data/%d-%d",
		remoteFolder, team, session, first.UnixMilli(), last.UnixMilli())
}

// activateRealtime is invoked from the realtime store's subscription
// callback — a different goroutine than the one calling Add. It is
// idempotent: a second activation while already active is a no-op. The
// bootstrap read runs under m.mu, the same lock Add holds around its
// Append, so the two never touch the active Buffer concurrently.
func (m *SessionManager) activateRealtime(ctx context.Context) {
	m.mu.Lock()
	if m.realtimeActive {
		m.mu.Unlock()
		return
	}
	m.realtimeActive = true
	oldest := m.active.OldestSourceTs
	content, err := m.active.ReadAll()
	m.mu.Unlock()

	if err != nil {
		logging.Capture(err, "session: realtime bootstrap read failed", "team", m.team, "session", m.session)
		return
	}

	if err := m.rt.AddMessagesFromBuffer(ctx, m.team, m.session, content, oldest); err != nil {
		logging.Capture(err, "session: realtime bootstrap failed", "team", m.team, "session", m.session)
	}
}

// GetLowestOffset returns the watermark the dispatcher commits against.
// It returns (0, false) whenever the active buffer is empty, even if a
// flushing buffer still holds unacknowledged offsets (see DESIGN.md).
func (m *SessionManager) GetLowestOffset() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.Empty() {
		return 0, false
	}
	low := m.active.Offsets.Lowest
	if m.flushing != nil && !m.flushing.Empty() && m.flushing.Offsets.Lowest < low {
		low = m.flushing.Offsets.Lowest
	}
	return low, true
}

// IsEmpty reports whether both buffers are empty.
func (m *SessionManager) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	flushingEmpty := m.flushing == nil || m.flushing.Empty()
	return m.active.Empty() && flushingEmpty
}

// Destroy terminates the manager: it aborts any in-flight upload,
// unsubscribes from the realtime channel, and closes and deletes the
// active buffer file. Safe to call even if a flush is in progress — it
// does not touch the flushing buffer directly, since doFlush (running on
// a different goroutine) may still have it open; it waits for that flush
// attempt to release the file via flushDone, then lets endFlush's own
// cleanup destroy it, exactly as it would on a normal completion.
func (m *SessionManager) Destroy(ctx context.Context) {
	m.mu.Lock()
	m.destroying = true
	unsubscribe := m.unsubscribeRealtime
	cancel := m.uploadCancel
	active := m.active
	flushDone := m.flushDone
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}

	if flushDone != nil {
		<-flushDone
	}

	if err := active.Destroy(); err != nil {
		logging.Capture(err, "session: destroy active buffer failed", "team", m.team, "session", m.session)
	}
}
