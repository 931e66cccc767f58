package fetcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Cursor marks the last log whose window has been durably emitted.
// It only ever moves forward, and only after the snapshot commit: the
// ordering is commit snapshot, then advance cursor, never the reverse.
type Cursor struct {
	LastProcessedBlock    uint64 `json:"last_processed_block"`
	LastProcessedLogIndex uint   `json:"last_processed_log_index"`
}

type CursorStore interface {
	Load() (Cursor, bool, error)
	Save(Cursor) error
}

// FileCursor persists the cursor as a small JSON file, written atomically
// via tmp+rename so a crash mid-write leaves the old cursor intact.
type FileCursor struct {
	path string
}

func NewFileCursor(path string) (*FileCursor, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &FileCursor{path: path}, nil
}

func (c *FileCursor) Load() (Cursor, bool, error) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{}, false, nil
		}
		return Cursor{}, false, err
	}
	var out Cursor
	if err := json.Unmarshal(b, &out); err != nil {
		return Cursor{}, false, fmt.Errorf("cursor: parse %s: %w", c.path, err)
	}
	return out, true, nil
}

func (c *FileCursor) Save(cur Cursor) error {
	b, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
