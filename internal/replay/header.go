package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSchemaVersion tracks the schema version for recording header documents.
const HeaderSchemaVersion = 1

// Board captures the geometry the match was played on.
type Board struct {
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	PaddleWidth  float64 `json:"paddle_width"`
	PaddleHeight float64 `json:"paddle_height"`
}

// Result is the final score of a recorded match.
type Result struct {
	Status     string `json:"status"`
	Winner     string `json:"winner,omitempty"`
	LeftScore  int    `json:"left_score"`
	RightScore int    `json:"right_score"`
}

// Header is the metadata persisted alongside a recording once it closes.
type Header struct {
	SchemaVersion int     `json:"schema_version"`
	RoomID        string  `json:"room_id"`
	Label         string  `json:"label,omitempty"`
	CreatedAt     string  `json:"created_at"`
	Left          string  `json:"left,omitempty"`
	Right         string  `json:"right,omitempty"`
	Board         Board   `json:"board"`
	Result        *Result `json:"result,omitempty"`
	FilePointer   string  `json:"file_pointer"`
}

// Validate ensures the header identifies both the room and the bundle manifest.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.RoomID) == "" {
		return fmt.Errorf("room_id must not be empty")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// WriteHeader persists header as indented JSON at path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and validates a recording header.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
