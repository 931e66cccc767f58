// Package dedup guards the pipeline against double-processing a log.
// Two RawEvents with the same (txHash, logIndex) from overlapping fetch
// chunks must be aggregated exactly once.
package dedup

import (
	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
	"github.com/yimeng-w/riskpipe/pkg/hash"
)

// Deduper records event keys with a TTL. SeenOrAdd reports whether the
// event was already recorded (and not expired) at nowTs; if not, it records
// it with the given expiry.
type Deduper interface {
	SeenOrAdd(ev model.RawEvent, expireTs, nowTs int64) (bool, error)
	Evict(nowTs int64) error
	Close()
}

// Memory is the in-process deduper: a key map plus an insertion-order queue
// for cheap eviction. State does not survive restarts; cross-run dedup uses
// the RocksDB-backed store.
type Memory struct {
	m    map[hash.Hash32]int64 // key -> expireTs
	q    []memItem             // insertion order
	head int                   // pop index
}

type memItem struct {
	key      hash.Hash32
	expireTs int64
}

func NewMemory(capHint int) *Memory {
	if capHint < 0 {
		capHint = 0
	}
	return &Memory{
		m: make(map[hash.Hash32]int64, capHint),
		q: make([]memItem, 0, capHint),
	}
}

func (d *Memory) SeenOrAdd(ev model.RawEvent, expireTs, nowTs int64) (bool, error) {
	key := hash.EventKey(ev.TxHash.Bytes(), ev.LogIndex)
	if exp, ok := d.m[key]; ok {
		if exp >= nowTs {
			return true, nil
		}
		// expired: treat as not seen; overwrite below
	}
	d.m[key] = expireTs
	d.q = append(d.q, memItem{key: key, expireTs: expireTs})
	return false, nil
}

func (d *Memory) Evict(nowTs int64) error {
	for d.head < len(d.q) {
		it := d.q[d.head]
		if it.expireTs >= nowTs {
			break
		}
		// Only delete if the map still points to this expireTs (avoid
		// deleting keys that were re-added with a later expiry).
		if exp, ok := d.m[it.key]; ok && exp == it.expireTs {
			delete(d.m, it.key)
		}
		d.head++
	}

	// compact to keep the queue from growing forever
	if d.head > 4096 && d.head*2 > len(d.q) {
		newQ := make([]memItem, 0, len(d.q)-d.head)
		newQ = append(newQ, d.q[d.head:]...)
		d.q = newQ
		d.head = 0
	}
	return nil
}

func (d *Memory) Close() {}
