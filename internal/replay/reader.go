package replay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// maxEventLine bounds a single decoded event line.
const maxEventLine = 1 << 20

// Frame is one decoded state frame.
type Frame struct {
	Tick       uint64          `json:"tick"`
	ElapsedMs  int64           `json:"elapsed_ms"`
	CapturedAt time.Time       `json:"captured_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Bundle is a fully decoded recording directory. Header is nil while the
// recording is still open.
type Bundle struct {
	Dir      string   `json:"dir"`
	Manifest Manifest `json:"manifest"`
	Header   *Header  `json:"header,omitempty"`
	Events   []Event  `json:"events"`
	Frames   []Frame  `json:"frames"`
}

// ReadManifest loads manifest.json from a bundle directory.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.Version != 1 {
		return Manifest{}, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}
	return manifest, nil
}

// ReadEvents decodes a snappy-framed JSON lines event log.
func ReadEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventLine)
	var events []Event
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(events)+1, err)
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

// ReadFrames decodes the length-prefixed frame records of a zstd frame stream.
func ReadFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	data, err := io.ReadAll(decoder)
	if err != nil {
		return nil, err
	}

	var frames []Frame
	reader := bytes.NewReader(data)
	for reader.Len() > 0 {
		var prefix [frameHeaderSize]byte
		if _, err := io.ReadFull(reader, prefix[:]); err != nil {
			return nil, fmt.Errorf("frame %d prefix: %w", len(frames)+1, err)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(prefix[24:28]))
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, fmt.Errorf("frame %d payload: %w", len(frames)+1, err)
		}
		frames = append(frames, Frame{
			Tick:       binary.LittleEndian.Uint64(prefix[0:8]),
			ElapsedMs:  int64(binary.LittleEndian.Uint64(prefix[8:16])),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(prefix[16:24]))).UTC(),
			Payload:    payload,
		})
	}
	return frames, nil
}

// OpenBundle decodes the bundle at path, which may be the directory or its manifest.
func OpenBundle(path string) (Bundle, error) {
	if path == "" {
		return Bundle{}, fmt.Errorf("path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Bundle{}, err
	}
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}

	//1.- The manifest locates the artefacts.
	manifest, err := ReadManifest(dir)
	if err != nil {
		return Bundle{}, err
	}
	bundle := Bundle{Dir: dir, Manifest: manifest}

	//2.- The header only exists once the recording was closed.
	header, err := ReadHeader(filepath.Join(dir, HeaderFile))
	switch {
	case err == nil:
		bundle.Header = &header
	case !errors.Is(err, os.ErrNotExist):
		return Bundle{}, err
	}

	if bundle.Events, err = ReadEvents(filepath.Join(dir, manifest.EventsPath)); err != nil {
		return Bundle{}, err
	}
	//3.- An open recording has an unterminated frame stream; keep what decodes.
	if bundle.Frames, err = ReadFrames(filepath.Join(dir, manifest.FramesPath)); err != nil {
		if bundle.Header != nil {
			return Bundle{}, err
		}
		bundle.Frames = nil
	}
	return bundle, nil
}
