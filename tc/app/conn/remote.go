package conn

import (
	"context"

	"github.com/ikenchina/fdwxact/tc/app/catalog"
)

// Transaction status of a remote session, as reported by the server.
const (
	TxStatusIdle   = 'I'
	TxStatusInTxn  = 'T'
	TxStatusFailed = 'E'
)

// Result is the outcome of one statement.
type Result struct {
	CommandTag string
	Rows       [][][]byte
}

// Remote is one authenticated session on a remote endpoint. It is not safe for
// concurrent use.
type Remote interface {
	// Exec runs a possibly multi-statement command and returns every result.
	Exec(ctx context.Context, command string) ([]*Result, error)
	TxStatus() byte
	IsBusy() bool
	CancelRequest(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

type Dialer interface {
	Dial(ctx context.Context, ep *catalog.Endpoint, cred *catalog.Credential) (Remote, error)
}
