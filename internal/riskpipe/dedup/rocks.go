package dedup

import (
	"encoding/binary"
	"errors"

	"github.com/tecbot/gorocksdb"

	"github.com/yimeng-w/riskpipe/internal/riskpipe/model"
	"github.com/yimeng-w/riskpipe/pkg/hash"
)

// Rocks is the persistent deduper: event keys survive restarts so a resumed
// run never re-aggregates logs it already committed. Keys carry an expiry
// and a time-bucketed secondary index so eviction is bounded work.
type Rocks struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions

	bucketSec int64

	// eviction progress (bucket index)
	lastCleanedBucket int64
}

func OpenRocks(path string, bucketSec int64) (*Rocks, error) {
	if bucketSec <= 0 {
		return nil, errors.New("dedup: bucketSec must be > 0")
	}
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.IncreaseParallelism(2)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, err
	}

	d := &Rocks{
		db:        db,
		ro:        gorocksdb.NewDefaultReadOptions(),
		wo:        gorocksdb.NewDefaultWriteOptions(),
		bucketSec: bucketSec,
	}
	if err := d.loadLastCleanedBucket(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Rocks) Close() {
	if d.ro != nil {
		d.ro.Destroy()
	}
	if d.wo != nil {
		d.wo.Destroy()
	}
	if d.db != nil {
		d.db.Close()
	}
}

func (d *Rocks) SeenOrAdd(ev model.RawEvent, expireTs, nowTs int64) (bool, error) {
	key := hash.EventKey(ev.TxHash.Bytes(), ev.LogIndex)
	mainKey := makeMainKey(key)

	val, err := d.db.Get(d.ro, mainKey)
	if err != nil {
		return false, err
	}
	if val.Exists() {
		exp := decodeI64(val.Data())
		val.Free()
		if exp >= nowTs {
			return true, nil
		}
	} else {
		val.Free()
	}

	bucket := expireTs / d.bucketSec
	idxKey := makeIdxKey(bucket, key)

	wb := gorocksdb.NewWriteBatch()
	defer wb.Destroy()

	wb.Put(mainKey, encodeI64(expireTs))
	wb.Put(idxKey, encodeI64(expireTs))

	if err := d.db.Write(d.wo, wb); err != nil {
		return false, err
	}
	return false, nil
}

// Evict cleans buckets strictly older than the current one, progressing
// from where the previous eviction stopped.
func (d *Rocks) Evict(nowTs int64) error {
	nowBucket := nowTs / d.bucketSec
	target := nowBucket - 1
	if target <= d.lastCleanedBucket {
		return nil
	}
	for b := d.lastCleanedBucket + 1; b <= target; b++ {
		if err := d.cleanBucket(b); err != nil {
			return err
		}
		d.lastCleanedBucket = b
		if err := d.saveLastCleanedBucket(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Rocks) cleanBucket(bucket int64) error {
	prefix := makeIdxPrefix(bucket)
	it := d.db.NewIterator(d.ro)
	defer it.Close()

	it.Seek(prefix)

	wb := gorocksdb.NewWriteBatch()
	defer wb.Destroy()

	for it.Valid() {
		k := it.Key()
		if !hasPrefix(k.Data(), prefix) {
			k.Free()
			break
		}
		v := it.Value()

		eventKey, ok := parseIdxEventKey(k.Data())
		expIdx := decodeI64(v.Data())

		// the idx entry itself always goes
		wb.Delete(k.Data())

		if ok {
			mainKey := makeMainKey(eventKey)
			mv, err := d.db.Get(d.ro, mainKey)
			if err != nil {
				k.Free()
				v.Free()
				return err
			}
			if mv.Exists() {
				expMain := decodeI64(mv.Data())
				// delete main only if it still matches this expiry
				// (a newer re-add must survive)
				if expMain == expIdx {
					wb.Delete(mainKey)
				}
			}
			mv.Free()
		}
		k.Free()
		v.Free()

		if wb.Count() >= 5000 {
			if err := d.db.Write(d.wo, wb); err != nil {
				return err
			}
			wb.Clear()
		}
		it.Next()
	}

	if err := it.Err(); err != nil {
		return err
	}
	if wb.Count() > 0 {
		if err := d.db.Write(d.wo, wb); err != nil {
			return err
		}
	}
	return nil
}

// ---- meta: last cleaned bucket ----

func (d *Rocks) loadLastCleanedBucket() error {
	val, err := d.db.Get(d.ro, []byte("meta:last_clean_bucket"))
	if err != nil {
		return err
	}
	defer val.Free()
	if !val.Exists() {
		d.lastCleanedBucket = -1
		return nil
	}
	d.lastCleanedBucket = decodeI64(val.Data())
	return nil
}

func (d *Rocks) saveLastCleanedBucket() error {
	wb := gorocksdb.NewWriteBatch()
	defer wb.Destroy()
	wb.Put([]byte("meta:last_clean_bucket"), encodeI64(d.lastCleanedBucket))
	return d.db.Write(d.wo, wb)
}

// ---- key helpers ----

func makeMainKey(key hash.Hash32) []byte {
	// "ev:" + 32 bytes
	k := make([]byte, 0, 3+32)
	k = append(k, 'e', 'v', ':')
	k = append(k, key[:]...)
	return k
}

func makeIdxPrefix(bucket int64) []byte {
	// "evx:" + bucket(8) + ":"
	k := make([]byte, 0, 4+8+1)
	k = append(k, 'e', 'v', 'x', ':')
	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], uint64(bucket))
	k = append(k, b8[:]...)
	k = append(k, ':')
	return k
}

func makeIdxKey(bucket int64, key hash.Hash32) []byte {
	p := makeIdxPrefix(bucket)
	k := make([]byte, 0, len(p)+32)
	k = append(k, p...)
	k = append(k, key[:]...)
	return k
}

func parseIdxEventKey(k []byte) (hash.Hash32, bool) {
	var out hash.Hash32
	if len(k) < 4+8+1+32 {
		return out, false
	}
	copy(out[:], k[len(k)-32:])
	return out, true
}

func hasPrefix(b, p []byte) bool {
	if len(b) < len(p) {
		return false
	}
	for i := range p {
		if b[i] != p[i] {
			return false
		}
	}
	return true
}

func encodeI64(x int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(x))
	return b[:]
}

func decodeI64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8]))
}
