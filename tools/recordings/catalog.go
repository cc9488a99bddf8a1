// Package recordings lists and inspects match recording bundles on disk.
package recordings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pongarena/broker/internal/replay"
)

// Entry summarises one recording bundle.
type Entry struct {
	Dir       string         `json:"dir"`
	RoomID    string         `json:"room_id"`
	CreatedAt string         `json:"created_at"`
	Complete  bool           `json:"complete"`
	Header    *replay.Header `json:"header,omitempty"`
}

// List returns every bundle directly under root, oldest first. Directories
// without a manifest are skipped.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, dirent := range dirents {
		if !dirent.IsDir() {
			continue
		}
		dir := filepath.Join(root, dirent.Name())
		manifest, err := replay.ReadManifest(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		entry := Entry{Dir: dir, RoomID: manifest.RoomID, CreatedAt: manifest.CreatedAt}
		//1.- The header is written when the recording closes.
		header, err := replay.ReadHeader(filepath.Join(dir, replay.HeaderFile))
		switch {
		case err == nil:
			entry.Complete = true
			entry.Header = &header
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt == entries[j].CreatedAt {
			return entries[i].Dir < entries[j].Dir
		}
		return entries[i].CreatedAt < entries[j].CreatedAt
	})
	return entries, nil
}

// Describe renders a one-line summary of entry for terminal output.
func Describe(entry Entry) string {
	summary := fmt.Sprintf("%s  room=%s  created=%s", filepath.Base(entry.Dir), entry.RoomID, entry.CreatedAt)
	if !entry.Complete {
		return summary + "  (in progress)"
	}
	h := entry.Header
	players := fmt.Sprintf("%s vs %s", orDash(h.Left), orDash(h.Right))
	if h.Result == nil {
		return summary + "  " + players
	}
	result := fmt.Sprintf("%d-%d %s", h.Result.LeftScore, h.Result.RightScore, h.Result.Status)
	if h.Result.Winner != "" {
		result += " winner=" + h.Result.Winner
	}
	return summary + "  " + players + "  " + result
}

// MarshalJSON renders v with indentation for CLI output.
func MarshalJSON(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
