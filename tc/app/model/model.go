package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ikenchina/fdwxact/common/operator"
	"github.com/ikenchina/fdwxact/define"
)

// gormLog keeps the participant log in a postgres table.
type gormLog struct {
	Db           *gorm.DB
	timeout      time.Duration
	defaultTxOpt *sql.TxOptions
}

func NewGormLog(dsn string, timeout time.Duration, maxConn int, maxIdleConn int) (ParticipantLog, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	sdb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sdb.SetMaxOpenConns(maxConn)
	sdb.SetMaxIdleConns(maxIdleConn)

	return &gormLog{
		Db:      db,
		timeout: timeout,
		defaultTxOpt: &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
		},
	}, nil
}

func (gl *gormLog) timeoutContext(ctx context.Context) (context.Context, context.CancelFunc) {
	_, ok := ctx.Deadline()
	if ok || gl.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, gl.timeout)
}

func (gl *gormLog) AppendParticipantRecord(ctx context.Context, rec *LogRecord) (start int64, end int64, err error) {
	observe := logTimer.Timer()
	defer func() {
		observe(define.StorageDriverPostgres, "Append", operator.Result(err))
	}()

	ctx, cancel := gl.timeoutContext(ctx)
	defer cancel()

	rec.Id = 0
	if rec.CreatedTime.IsZero() {
		rec.CreatedTime = time.Now()
	}
	err = gl.Db.WithContext(ctx).Create(rec).Error
	if err != nil {
		return 0, 0, fmt.Errorf("db error : %v", err)
	}
	return rec.Id, rec.Id + 1, nil
}

func (gl *gormLog) TruncateBefore(ctx context.Context, offset int64) (err error) {
	observe := logTimer.Timer()
	defer func() {
		observe(define.StorageDriverPostgres, "TruncateBefore", operator.Result(err))
	}()

	ctx, cancel := gl.timeoutContext(ctx)
	defer cancel()

	err = gl.Db.WithContext(ctx).Where("id < ?", offset).Delete(&LogRecord{}).Error
	if err != nil {
		return fmt.Errorf("db error : %v", err)
	}
	return nil
}

func (gl *gormLog) ScanUnresolvedSince(ctx context.Context, offset int64) (recs []*LogRecord, err error) {
	observe := logTimer.Timer()
	defer func() {
		observe(define.StorageDriverPostgres, "ScanUnresolvedSince", operator.Result(err))
	}()

	ctx, cancel := gl.timeoutContext(ctx)
	defer cancel()

	records := make([]*LogRecord, 0)
	err = gl.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txr := tx.Model(&LogRecord{}).Where("id >= ?", offset).Order("id ASC").Find(&records)
		return txr.Error
	}, gl.defaultTxOpt)
	if err != nil {
		return nil, fmt.Errorf("db error : %v", err)
	}
	return unresolved(records), nil
}

func (gl *gormLog) Close() error {
	sdb, err := gl.Db.DB()
	if err != nil {
		return err
	}
	return sdb.Close()
}
