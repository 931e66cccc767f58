package emitter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

func snapshot(start int64, score float64) model.RiskSnapshot {
	return model.RiskSnapshot{
		Timestamp: time.Unix(start, 0).UTC(),
		TVLUSD:    10_000,
		RiskScore: score,
		RiskLevel: model.RiskLevelMedium,
	}
}

func TestFileSinkWritesOneFilePerWindow(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Emit(context.Background(), snapshot(3600, 4.2)))
	require.NoError(t, s.Emit(context.Background(), snapshot(7200, 5.0)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	b, err := os.ReadFile(filepath.Join(dir, "snapshot_3600.json"))
	require.NoError(t, err)

	var got model.RiskSnapshot
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 4.2, got.RiskScore)
	assert.Equal(t, int64(3600), got.WindowStart())
}

func TestFileSinkReEmitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Emit(context.Background(), snapshot(3600, 4.2)))
	first, err := os.ReadFile(filepath.Join(dir, "snapshot_3600.json"))
	require.NoError(t, err)

	// same window re-emitted after a replay: byte-identical, no extra file
	require.NoError(t, s.Emit(context.Background(), snapshot(3600, 4.2)))
	second, err := os.ReadFile(filepath.Join(dir, "snapshot_3600.json"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileSinkNullableFieldsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir)
	require.NoError(t, err)
	defer s.Close()

	vol := 0.05
	flag := model.QualityStalePrice
	snap := snapshot(3600, 2.0)
	snap.Volatility24h = &vol
	snap.QualityFlag = &flag
	require.NoError(t, s.Emit(context.Background(), snap))

	b, err := os.ReadFile(filepath.Join(dir, "snapshot_3600.json"))
	require.NoError(t, err)
	var got model.RiskSnapshot
	require.NoError(t, json.Unmarshal(b, &got))
	require.NotNil(t, got.Volatility24h)
	assert.Equal(t, 0.05, *got.Volatility24h)
	require.NotNil(t, got.QualityFlag)
	assert.Equal(t, model.QualityStalePrice, *got.QualityFlag)
}

func TestMultiStopsOnFirstError(t *testing.T) {
	dir := t.TempDir()
	ok, err := NewFileSink(dir)
	require.NoError(t, err)

	failing, err := NewFileSink(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	// remove the directory out from under the sink to force a write error
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "sub")))

	m := NewMulti(failing, ok)
	require.Error(t, m.Emit(context.Background(), snapshot(3600, 1.0)))

	// the second sink never ran
	_, statErr := os.Stat(filepath.Join(dir, "snapshot_3600.json"))
	assert.True(t, os.IsNotExist(statErr))
}
