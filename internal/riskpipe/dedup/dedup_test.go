package dedup

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
)

func rawEvent(tx byte, logIndex uint) model.RawEvent {
	return model.RawEvent{
		TxHash:   common.BytesToHash([]byte{tx}),
		LogIndex: logIndex,
	}
}

func TestMemorySeenOrAdd(t *testing.T) {
	d := NewMemory(16)
	defer d.Close()

	ev := rawEvent(0x01, 3)

	seen, err := d.SeenOrAdd(ev, 100, 50)
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = d.SeenOrAdd(ev, 100, 50)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestMemoryDistinguishesLogIndex(t *testing.T) {
	d := NewMemory(16)
	defer d.Close()

	_, err := d.SeenOrAdd(rawEvent(0x01, 3), 100, 50)
	require.NoError(t, err)

	seen, err := d.SeenOrAdd(rawEvent(0x01, 4), 100, 50)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestMemoryExpiry(t *testing.T) {
	d := NewMemory(16)
	defer d.Close()

	ev := rawEvent(0x02, 0)

	_, err := d.SeenOrAdd(ev, 100, 50)
	require.NoError(t, err)

	// past the expiry the key no longer counts as seen
	seen, err := d.SeenOrAdd(ev, 300, 200)
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = d.SeenOrAdd(ev, 300, 250)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestMemoryEvictKeepsLiveKeys(t *testing.T) {
	d := NewMemory(16)
	defer d.Close()

	expired := rawEvent(0x03, 0)
	live := rawEvent(0x04, 0)

	_, err := d.SeenOrAdd(expired, 100, 50)
	require.NoError(t, err)
	_, err = d.SeenOrAdd(live, 1000, 50)
	require.NoError(t, err)

	require.NoError(t, d.Evict(500))

	seen, err := d.SeenOrAdd(live, 2000, 600)
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = d.SeenOrAdd(expired, 2000, 600)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestMemoryEvictHonorsReaddedExpiry(t *testing.T) {
	d := NewMemory(16)
	defer d.Close()

	ev := rawEvent(0x05, 0)

	_, err := d.SeenOrAdd(ev, 100, 50)
	require.NoError(t, err)
	// re-added with a later expiry after the first entry lapsed
	_, err = d.SeenOrAdd(ev, 500, 150)
	require.NoError(t, err)

	// evicting the first entry must not kill the re-added key
	require.NoError(t, d.Evict(200))

	seen, err := d.SeenOrAdd(ev, 900, 300)
	require.NoError(t, err)
	require.True(t, seen)
}
