package conn

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/catalog"
)

type _execSuite struct {
	suite.Suite
}

func TestExecSuite(t *testing.T) {
	suite.Run(t, new(_execSuite))
}

func (s *_execSuite) TestPgErrorConverted() {
	pgErr := &pgconn.PgError{Code: "42704", Message: "prepared transaction with identifier \"x\" does not exist",
		Detail: "d", Hint: "h", Where: "w"}
	err := toRemoteError(context.Background(), pgErr, "COMMIT PREPARED 'x'")

	var re *define.RemoteError
	s.True(errors.As(err, &re))
	s.Equal("d", re.Detail)
	s.Equal("h", re.Hint)
	s.Equal("w", re.Context)
	s.Equal("COMMIT PREPARED 'x'", re.Command)
	s.True(errors.Is(err, define.ErrAlreadyResolved))
}

func (s *_execSuite) TestUnstructuredIsConnectionFailure() {
	err := toRemoteError(context.Background(), io.ErrUnexpectedEOF, "SELECT 1")
	var re *define.RemoteError
	s.True(errors.As(err, &re))
	s.Equal(define.CodeConnectionFailure, re.Code)
	s.True(re.IsConnectionFailure())
}

func (s *_execSuite) TestInterrupted() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := toRemoteError(ctx, io.ErrUnexpectedEOF, "SELECT 1")
	s.True(errors.Is(err, ErrInterrupted))
	s.True(errors.Is(err, context.Canceled))
}

func (s *_execSuite) TestCommandVerb() {
	s.Equal("COMMIT", commandVerb("commit prepared 'x'"))
	s.Equal("", commandVerb("  "))
}

func (s *_execSuite) TestConnString() {
	d := &PgDialer{}
	ep := &catalogEndpoint
	cs := d.connString(ep, &catalogCredential)
	s.Equal("host=localhost port=5432 dbname='app' sslmode='disable' user='alice' password='it\\'s'", cs)
}

var (
	catalogEndpoint = catalog.Endpoint{Id: 1, Name: "a", Address: "host=localhost port=5432",
		Options: map[string]string{"sslmode": "disable", "dbname": "app"}}
	catalogCredential = catalog.Credential{Id: 1, EndpointId: 1, User: "alice", Secret: "it's"}
)
