package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/metrics"
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

// FileSink writes one JSON file per window under dir. Writes go through
// tmp+rename, so re-emission atomically replaces the old record and a crash
// mid-write never leaves a torn file.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Emit(_ context.Context, snap model.RiskSnapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	path := filepath.Join(s.dir, fmt.Sprintf("snapshot_%d.json", snap.WindowStart()))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	metrics.SnapshotsEmitted.WithLabelValues("file").Inc()
	return nil
}

func (s *FileSink) Close() error { return nil }
