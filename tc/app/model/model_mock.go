package model

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockLog is an in-memory ParticipantLog. Hooks let tests observe and fail appends.
type MockLog struct {
	sync.RWMutex
	nextId   int64
	records  []*LogRecord
	closed   bool
	OnAppend func(rec *LogRecord) error
}

func NewMockLog() *MockLog {
	return &MockLog{nextId: 1}
}

func (ml *MockLog) AppendParticipantRecord(ctx context.Context, rec *LogRecord) (int64, int64, error) {
	ml.Lock()
	hook := ml.OnAppend
	ml.Unlock()
	if hook != nil {
		if err := hook(rec); err != nil {
			return 0, 0, err
		}
	}

	ml.Lock()
	defer ml.Unlock()
	if ml.closed {
		return 0, 0, ErrLogClosed
	}
	rec.Id = ml.nextId
	ml.nextId++
	if rec.CreatedTime.IsZero() {
		rec.CreatedTime = time.Now()
	}
	ml.records = append(ml.records, rec.clone())
	return rec.Id, rec.Id + 1, nil
}

func (ml *MockLog) TruncateBefore(ctx context.Context, offset int64) error {
	ml.Lock()
	defer ml.Unlock()
	idx := sort.Search(len(ml.records), func(i int) bool {
		return ml.records[i].Id >= offset
	})
	ml.records = append([]*LogRecord{}, ml.records[idx:]...)
	return nil
}

func (ml *MockLog) ScanUnresolvedSince(ctx context.Context, offset int64) ([]*LogRecord, error) {
	ml.RLock()
	defer ml.RUnlock()
	records := make([]*LogRecord, 0, len(ml.records))
	for _, r := range ml.records {
		if r.Id >= offset {
			records = append(records, r)
		}
	}
	return unresolved(records), nil
}

func (ml *MockLog) Close() error {
	ml.Lock()
	ml.closed = true
	ml.Unlock()
	return nil
}

// Reopen simulates a restart: records survive, the log accepts appends again.
func (ml *MockLog) Reopen() *MockLog {
	ml.Lock()
	defer ml.Unlock()
	return &MockLog{nextId: ml.nextId, records: append([]*LogRecord{}, ml.records...)}
}

// Records returns copies of all retained records in offset order.
func (ml *MockLog) Records() []*LogRecord {
	ml.RLock()
	defer ml.RUnlock()
	out := make([]*LogRecord, 0, len(ml.records))
	for _, r := range ml.records {
		out = append(out, r.clone())
	}
	return out
}

// FirstOffset returns the lowest retained offset, or 0 when empty.
func (ml *MockLog) FirstOffset() int64 {
	ml.RLock()
	defer ml.RUnlock()
	if len(ml.records) == 0 {
		return 0
	}
	return ml.records[0].Id
}
