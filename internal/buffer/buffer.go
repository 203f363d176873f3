// Package buffer implements the on-disk, append-only batch that backs one
// generation of a recording session's accumulated events.
package buffer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sessionblob/ingest/internal/logging"
	"github.com/sessionblob/ingest/internal/message"
)

// OffsetRange tracks the min/max source-log offset observed in a buffer.
type OffsetRange struct {
	Lowest, Highest int64
}

// TimeRange tracks the min/max event-payload timestamp observed in a buffer.
type TimeRange struct {
	First, Last time.Time
}

// Buffer is a single append-only on-disk batch with accounting metadata.
// It is not safe for concurrent use; callers serialize access.
type Buffer struct {
	ID   string
	Path string

	file   *os.File
	writer *bufio.Writer

	Count        int
	SizeEstimate int64
	CreatedAt    time.Time

	OldestSourceTs *time.Time
	NewestSourceTs *time.Time

	Offsets     OffsetRange
	hasOffsets  bool
	EventsRange *TimeRange

	writeErr error
	closed   bool
}

// New creates a fresh buffer file under dir's "session-buffer-files"
// subdirectory, named "<team>.<session>.<id>.jsonl", and opens it for
// append. dir is the buffer file root; the session-buffer-files segment
// is always appended here, not baked into dir by the caller.
func New(dir, team, session string) (*Buffer, error) {
	id := uuid.NewString()
	fileDir := filepath.Join(dir, "session-buffer-files")
	path := filepath.Join(fileDir, fmt.Sprintf("%s.%s.%s.jsonl", team, session, id))

	if err := os.MkdirAll(fileDir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: create directory %s: %w", fileDir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", path, err)
	}

	return &Buffer{
		ID:        id,
		Path:      path,
		file:      f,
		writer:    bufio.NewWriter(f),
		CreatedAt: time.Now(),
	}, nil
}

// Append writes one message to the buffer file and updates all running
// aggregates. It returns an error only for payload-serialization failure;
// writer I/O errors are logged and captured asynchronously (§4.A) so that
// an in-progress append is never interrupted by a disk problem — the next
// flush surfaces it when the writer is closed.
func (b *Buffer) Append(m message.Message) error {
	rec := m.ToPersisted()
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("buffer: marshal payload: %w", err)
	}
	line = append(line, '\n')

	if _, werr := b.writer.Write(line); werr != nil && b.writeErr == nil {
		b.writeErr = werr
		logging.L().Error("buffer: write failed", "path", b.Path, "error", werr)
	}

	b.Count++
	b.SizeEstimate += int64(len(line))

	ts := m.Metadata.Timestamp
	if b.OldestSourceTs == nil || ts.Before(*b.OldestSourceTs) {
		t := ts
		b.OldestSourceTs = &t
	}
	if b.NewestSourceTs == nil || ts.After(*b.NewestSourceTs) {
		t := ts
		b.NewestSourceTs = &t
	}

	if !b.hasOffsets {
		b.Offsets.Lowest, b.Offsets.Highest = m.Metadata.Offset, m.Metadata.Offset
		b.hasOffsets = true
	} else {
		if m.Metadata.Offset < b.Offsets.Lowest {
			b.Offsets.Lowest = m.Metadata.Offset
		}
		if m.Metadata.Offset > b.Offsets.Highest {
			b.Offsets.Highest = m.Metadata.Offset
		}
	}

	b.applyEventsRange(m.Events)
	return nil
}

// applyEventsRange updates EventsRange from a message's event timestamps.
// A missing (zero) start timestamp skips the update entirely. A missing
// end timestamp does NOT skip — it silently falls back to the start
// timestamp for the "last" side, reproducing setEventsRangeFrom's
// `end || start` degradation. Both cases emit a diagnostic.
func (b *Buffer) applyEventsRange(events []message.Event) {
	if len(events) == 0 {
		return
	}
	start := events[0].Timestamp
	end := events[len(events)-1].Timestamp

	if start.IsZero() {
		logging.L().Warn("buffer: event range update skipped, missing start timestamp", "path", b.Path)
		return
	}
	if end.IsZero() {
		logging.L().Warn("buffer: event range end timestamp missing, degrading to start", "path", b.Path)
		end = start
	}

	if b.EventsRange == nil {
		b.EventsRange = &TimeRange{First: start, Last: end}
		return
	}
	if start.Before(b.EventsRange.First) {
		b.EventsRange.First = start
	}
	if end.After(b.EventsRange.Last) {
		b.EventsRange.Last = end
	}
}

// Empty reports whether no message has been appended.
func (b *Buffer) Empty() bool { return b.Count == 0 }

// Close flushes the OS buffer and closes the file descriptor. It is
// idempotent; the caller should treat a non-nil return as a soft warning,
// not fatal — the flush pipeline guards this call with a soft timeout.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.writer.Flush(); err != nil {
		return err
	}
	if err := b.file.Close(); err != nil {
		return err
	}
	return b.writeErr
}

// Destroy closes the underlying file (if still open) and unlinks it.
// A missing file is not an error.
func (b *Buffer) Destroy() error {
	_ = b.Close()
	if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("buffer: remove %s: %w", b.Path, err)
	}
	return nil
}

// ReadAll reads the buffer file's current on-disk content. Used by the
// realtime activator to bootstrap a mirror from the active buffer.
func (b *Buffer) ReadAll() ([]byte, error) {
	if err := b.writer.Flush(); err != nil {
		return nil, err
	}
	return os.ReadFile(b.Path)
}
