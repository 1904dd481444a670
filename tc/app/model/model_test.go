package model

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/fdwxact/define"
)

// docker run --name pg -e POSTGRES_PASSWORD=pg -d postgres
var dbDsn = flag.String("db_dsn", "", "postgres dsn for the gorm participant log, skipped when empty")

type logFactory func() ParticipantLog

type _logSuite struct {
	suite.Suite
	newLog logFactory
	log    ParticipantLog
}

func TestMockLogSuite(t *testing.T) {
	suite.Run(t, &_logSuite{newLog: func() ParticipantLog { return NewMockLog() }})
}

func TestPebbleLogSuite(t *testing.T) {
	suite.Run(t, &_logSuite{newLog: func() ParticipantLog {
		pl, err := NewPebbleLog("fxlog", &pebble.Options{FS: vfs.NewMem()})
		if err != nil {
			t.Fatal(err)
		}
		return pl
	}})
}

func TestGormLogSuite(t *testing.T) {
	if *dbDsn == "" {
		t.Skip("db_dsn is not set")
	}
	suite.Run(t, &_logSuite{newLog: func() ParticipantLog {
		gl, err := NewGormLog(*dbDsn, time.Second, 2, 1)
		if err != nil {
			t.Fatal(err)
		}
		// shared table : start from an empty log
		if err := gl.TruncateBefore(context.Background(), 1<<62); err != nil {
			t.Fatal(err)
		}
		return gl
	}})
}

func (s *_logSuite) SetupTest() {
	s.log = s.newLog()
}

func (s *_logSuite) TearDownTest() {
	s.log.Close()
}

func (s *_logSuite) append(rec *LogRecord) (int64, int64) {
	start, end, err := s.log.AppendParticipantRecord(context.Background(), rec)
	s.Require().Nil(err)
	return start, end
}

func (s *_logSuite) TestOffsetsIncrease() {
	s1, e1 := s.append(NewInsertRecord(1, 5, 10, 100, "px_a"))
	s2, e2 := s.append(NewInsertRecord(1, 5, 11, 101, "px_b"))
	s.True(e1 > s1)
	s.True(s2 >= e1)
	s.True(e2 > s2)
}

func (s *_logSuite) TestScanUnresolved() {
	ctx := context.Background()
	start, _ := s.append(NewInsertRecord(1, 5, 10, 100, "px_a"))
	s.append(NewInsertRecord(1, 5, 11, 101, "px_b"))
	s.append(NewInsertRecord(2, 5, 10, 100, "px_c"))
	s.append(NewDecisionRecord(1, 5, true))
	s.append(NewRemoveRecord(1, 5, 10, 100))

	recs, err := s.log.ScanUnresolvedSince(ctx, start)
	s.Nil(err)
	s.Len(recs, 2)
	s.Equal("px_b", recs[0].Identifier)
	s.Equal(define.StatusCommitting, recs[0].Status)
	s.Equal(uint32(5), recs[0].DbId)
	s.Equal("px_c", recs[1].Identifier)
	s.Equal(define.StatusPrepared, recs[1].Status)

	s.append(NewDecisionRecord(2, 5, false))
	recs, err = s.log.ScanUnresolvedSince(ctx, start)
	s.Nil(err)
	s.Len(recs, 2)
	s.Equal(define.StatusAborting, recs[1].Status)
}

func (s *_logSuite) TestTruncate() {
	ctx := context.Background()
	first, _ := s.append(NewInsertRecord(1, 5, 10, 100, "px_a"))
	s.append(NewRemoveRecord(1, 5, 10, 100))
	second, _ := s.append(NewInsertRecord(2, 5, 10, 100, "px_b"))

	s.Nil(s.log.TruncateBefore(ctx, second))
	recs, err := s.log.ScanUnresolvedSince(ctx, first)
	s.Nil(err)
	s.Len(recs, 1)
	s.Equal("px_b", recs[0].Identifier)
	s.Equal(second, recs[0].Id)
}
