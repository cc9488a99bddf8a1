package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Bundle file names.
const (
	EventsFile   = "events.jsonl.sz"
	FramesFile   = "frames.bin.zst"
	ManifestFile = "manifest.json"
	HeaderFile   = "header.json"
)

// frameHeaderSize is tick(8) + elapsed ms(8) + captured unix nanos(8) + payload length(4).
const frameHeaderSize = 28

// flushInterval batches frame writes so the zstd stream sees larger blocks.
const flushInterval = time.Second

var roomIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// errWriterClosed is returned by appends after Close.
var errWriterClosed = errors.New("recording writer closed")

type pendingFrame struct {
	tick       uint64
	elapsedMs  int64
	capturedAt time.Time
	payload    []byte
}

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	RoomID          string `json:"room_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// Event is one line of the snappy-compressed event log.
type Event struct {
	Tick       uint64          `json:"tick"`
	ElapsedMs  int64           `json:"elapsed_ms"`
	CapturedAt string          `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Writer streams one room's recording into a bundle directory: lifecycle
// events as snappy-framed JSON lines and state frames as length-prefixed
// records inside a zstd stream.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	started     time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []pendingFrame
	lastFlush   time.Time
	header      Header
	closed      bool
}

// NewWriter creates the bundle directory for roomID under root and opens the
// compressed sinks.
func NewWriter(root, roomID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("recording root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	cleaned := roomIDCleaner.ReplaceAllString(roomID, "")
	if cleaned == "" {
		cleaned = "room"
	}
	created := clock().UTC()
	dir := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405.000Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		RoomID:          roomID,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(FrameInterval / time.Millisecond),
		EventsPath:      EventsFile,
		FramesPath:      FramesFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return nil, Manifest{}, err
	}

	//1.- Open both sinks, unwinding whatever succeeded when a later step fails.
	eventFile, err := os.Create(filepath.Join(dir, EventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	frameFile, err := os.Create(filepath.Join(dir, FramesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:         dir,
		now:         clock,
		started:     created,
		eventFile:   eventFile,
		eventStream: snappy.NewBufferedWriter(eventFile),
		frameFile:   frameFile,
		frameStream: frameStream,
		header: Header{
			SchemaVersion: HeaderSchemaVersion,
			RoomID:        roomID,
			CreatedAt:     manifest.CreatedAt,
			FilePointer:   ManifestFile,
		},
	}, manifest, nil
}

// Directory exposes the bundle directory.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendEvent writes a single event line and flushes it so a crash loses at
// most the frame batch.
func (w *Writer) AppendEvent(tick uint64, eventType string, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errWriterClosed
	}
	line, err := json.Marshal(Event{
		Tick:       tick,
		ElapsedMs:  captured.Sub(w.started).Milliseconds(),
		CapturedAt: captured.Format(time.RFC3339Nano),
		Type:       eventType,
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendFrame stages a state frame; staged frames reach the zstd stream once
// per flush interval.
func (w *Writer) AppendFrame(tick uint64, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errWriterClosed
	}
	w.pending = append(w.pending, pendingFrame{
		tick:       tick,
		elapsedMs:  captured.Sub(w.started).Milliseconds(),
		capturedAt: captured,
		payload:    clone,
	})
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
	}
	if captured.Sub(w.lastFlush) < flushInterval {
		return nil
	}
	w.lastFlush = captured
	return w.flushLocked()
}

// UpdateHeader lets the caller fill in match details before Close writes the header.
func (w *Writer) UpdateHeader(update func(*Header)) {
	if w == nil || update == nil {
		return
	}
	w.mu.Lock()
	update(&w.header)
	w.mu.Unlock()
}

// Close flushes every buffer, writes header.json and releases the files. The
// first failure is returned after every step has been attempted.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs error
	errs = errors.Join(errs, w.flushLocked())
	errs = errors.Join(errs, w.eventStream.Close())
	errs = errors.Join(errs, w.eventFile.Close())
	errs = errors.Join(errs, w.frameStream.Close())
	errs = errors.Join(errs, w.frameFile.Close())
	errs = errors.Join(errs, WriteHeader(filepath.Join(w.dir, HeaderFile), w.header))
	return errs
}

// flushLocked writes staged frames; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	for _, frame := range w.pending {
		var prefix [frameHeaderSize]byte
		binary.LittleEndian.PutUint64(prefix[0:8], frame.tick)
		binary.LittleEndian.PutUint64(prefix[8:16], uint64(frame.elapsedMs))
		binary.LittleEndian.PutUint64(prefix[16:24], uint64(frame.capturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(prefix[24:28], uint32(len(frame.payload)))
		if _, err := w.frameStream.Write(prefix[:]); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
