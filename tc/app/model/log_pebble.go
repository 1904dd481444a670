package model

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ikenchina/fdwxact/common/operator"
	"github.com/ikenchina/fdwxact/define"
)

var (
	pebbleLogPrefix = []byte("/fxlog/")
	pebbleLogEnd    = []byte("/fxlog0")
)

// pebbleLog keeps the participant log in a local pebble store. Values are
// msgpack payloads followed by their 8 byte xxhash.
type pebbleLog struct {
	mu     sync.Mutex
	db     *pebble.DB
	nextId int64
	closed bool
}

// NewPebbleLog opens (or creates) the log under dir. opts may be nil.
func NewPebbleLog(dir string, opts *pebble.Options) (ParticipantLog, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}

	pl := &pebbleLog{db: db, nextId: 1}
	last, err := pl.lastId()
	if err != nil {
		db.Close()
		return nil, err
	}
	pl.nextId = last + 1
	return pl, nil
}

func pebbleLogKey(id int64) []byte {
	key := make([]byte, len(pebbleLogPrefix)+8)
	copy(key, pebbleLogPrefix)
	binary.BigEndian.PutUint64(key[len(pebbleLogPrefix):], uint64(id))
	return key
}

func encodeRecord(rec *LogRecord) ([]byte, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint64(payload, xxhash.Sum64(payload)), nil
}

func decodeRecord(value []byte) (*LogRecord, error) {
	if len(value) < 8 {
		return nil, ErrCorruptRecord
	}
	payload := value[:len(value)-8]
	if binary.BigEndian.Uint64(value[len(value)-8:]) != xxhash.Sum64(payload) {
		return nil, ErrCorruptRecord
	}
	rec := &LogRecord{}
	if err := msgpack.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("%w : %v", ErrCorruptRecord, err)
	}
	return rec, nil
}

func (pl *pebbleLog) lastId() (int64, error) {
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleLogPrefix,
		UpperBound: pebbleLogEnd,
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return int64(binary.BigEndian.Uint64(iter.Key()[len(pebbleLogPrefix):])), nil
}

func (pl *pebbleLog) AppendParticipantRecord(ctx context.Context, rec *LogRecord) (start int64, end int64, err error) {
	observe := logTimer.Timer()
	defer func() {
		observe(define.StorageDriverPebble, "Append", operator.Result(err))
	}()

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return 0, 0, ErrLogClosed
	}

	rec.Id = pl.nextId
	if rec.CreatedTime.IsZero() {
		rec.CreatedTime = time.Now()
	}
	value, err := encodeRecord(rec)
	if err != nil {
		return 0, 0, err
	}
	err = pl.db.Set(pebbleLogKey(rec.Id), value, pebble.Sync)
	if err != nil {
		return 0, 0, err
	}
	pl.nextId++
	return rec.Id, rec.Id + 1, nil
}

func (pl *pebbleLog) TruncateBefore(ctx context.Context, offset int64) (err error) {
	observe := logTimer.Timer()
	defer func() {
		observe(define.StorageDriverPebble, "TruncateBefore", operator.Result(err))
	}()

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return ErrLogClosed
	}
	if offset <= 0 {
		return nil
	}
	return pl.db.DeleteRange(pebbleLogKey(0), pebbleLogKey(offset), pebble.Sync)
}

func (pl *pebbleLog) ScanUnresolvedSince(ctx context.Context, offset int64) (recs []*LogRecord, err error) {
	observe := logTimer.Timer()
	defer func() {
		observe(define.StorageDriverPebble, "ScanUnresolvedSince", operator.Result(err))
	}()

	pl.mu.Lock()
	if pl.closed {
		pl.mu.Unlock()
		return nil, ErrLogClosed
	}
	snap := pl.db.NewSnapshot()
	pl.mu.Unlock()
	defer snap.Close()

	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: pebbleLogKey(offset),
		UpperBound: pebbleLogEnd,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]*LogRecord, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(val)
		if err != nil {
			return nil, fmt.Errorf("offset %d : %w", binary.BigEndian.Uint64(iter.Key()[len(pebbleLogPrefix):]), err)
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return unresolved(records), nil
}

func (pl *pebbleLog) Close() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return nil
	}
	pl.closed = true
	return pl.db.Close()
}
