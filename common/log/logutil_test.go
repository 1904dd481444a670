package logutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type _logSuite struct {
	suite.Suite
	logs  *observer.ObservedLogs
	saved *zap.Logger
}

func TestLogSuite(t *testing.T) {
	suite.Run(t, new(_logSuite))
}

func (s *_logSuite) SetupTest() {
	core, logs := observer.New(zapcore.DebugLevel)
	s.logs = logs
	s.saved = _globalLogger
	SetLogger(zap.New(core))
}

func (s *_logSuite) TearDownTest() {
	SetLogger(s.saved)
}

func (s *_logSuite) TestFieldsFollowContext() {
	ctx := WithFields(context.Background(), zap.Uint32("dbid", 5))
	ctx = WithFields(ctx, zap.Int64("pid", 9))
	Logger(ctx).Info("cycle")
	Logger(context.Background()).Info("plain")

	entries := s.logs.AllUntimed()
	s.Require().Len(entries, 2)
	fields := entries[0].ContextMap()
	s.Equal(uint32(5), fields["dbid"])
	s.Equal(int64(9), fields["pid"])
	s.Empty(entries[1].ContextMap())
}

func (s *_logSuite) TestNilContextUsesGlobal() {
	//nolint:staticcheck
	Logger(nil).Warn("no context")
	s.Equal(1, s.logs.FilterMessage("no context").Len())
}
