package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/ikenchina/fdwxact/common/metrics"
	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/config"
)

var (
	ErrNotExist      = errors.New("not exist")
	ErrCorruptRecord = errors.New("corrupt participant log record")
	ErrLogClosed     = errors.New("participant log is closed")
)

var (
	logTimer = metrics.NewTimer("fdwxact", "model", "participant_log", "participant log timer", []string{"driver", "op", "ret"})
)

// ParticipantLog durably stores participant records and local commit decisions.
type ParticipantLog interface {
	// AppendParticipantRecord persists rec and returns its [start, end) offsets.
	AppendParticipantRecord(ctx context.Context, rec *LogRecord) (start int64, end int64, err error)
	// TruncateBefore drops every record whose offset is below offset.
	TruncateBefore(ctx context.Context, offset int64) error
	// ScanUnresolvedSince returns the inserted participants at or after offset
	// that have not been removed.
	ScanUnresolvedSince(ctx context.Context, offset int64) ([]*LogRecord, error)
	Close() error
}

func NewParticipantLog(cfg *config.StorageConfig) (ParticipantLog, error) {
	switch cfg.Driver {
	case define.StorageDriverPostgres:
		return NewGormLog(cfg.Dsn, cfg.Timeout.D(), cfg.MaxConnections, cfg.MaxIdleConnections)
	case define.StorageDriverPebble:
		return NewPebbleLog(cfg.Dsn, nil)
	}
	return nil, fmt.Errorf("unknown driver : %s", cfg.Driver)
}
