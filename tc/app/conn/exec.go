package conn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ikenchina/fdwxact/common/metrics"
	"github.com/ikenchina/fdwxact/common/operator"
	"github.com/ikenchina/fdwxact/define"
)

var (
	ErrInterrupted = errors.New("remote command interrupted")
	ErrPoolClosed  = errors.New("connection pool is closed")
)

var (
	execTimer = metrics.NewTimer("fdwxact", "conn", "remote_exec", "remote command timer", []string{"command", "ret"},
		metrics.WithTimerBuckets(metrics.RemoteBuckets))
)

// Exec sends command on the handle's connection and waits for it. The wait ends
// early when ctx is done or the pool is closed. Only the last result is returned.
func Exec(ctx context.Context, h *Handle, command string) (*Result, error) {
	if h == nil || h.e.remote == nil {
		return nil, &define.RemoteError{Code: define.CodeConnectionFailure, Message: "connection is not established", Command: command}
	}
	return h.pool.exec(ctx, h.e.remote, command)
}

func (p *Pool) exec(ctx context.Context, remote Remote, command string) (res *Result, err error) {
	observe := execTimer.Timer()
	defer func() {
		observe(commandVerb(command), operator.Result(err))
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-p.closeChan:
			cancel()
		case <-stop:
		}
	}()

	results, err := remote.Exec(ctx, command)
	if err != nil {
		return nil, toRemoteError(ctx, err, command)
	}
	if len(results) == 0 {
		return &Result{}, nil
	}
	return results[len(results)-1], nil
}

// toRemoteError classifies err. Structured server errors keep their fields;
// anything else is a connection failure.
func toRemoteError(ctx context.Context, err error, command string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w : %w", ErrInterrupted, ctxErr)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &define.RemoteError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
			Hint:    pgErr.Hint,
			Context: pgErr.Where,
			Command: command,
		}
	}

	var remoteErr *define.RemoteError
	if errors.As(err, &remoteErr) {
		if remoteErr.Command == "" {
			c := *remoteErr
			c.Command = command
			return &c
		}
		return remoteErr
	}

	msg := err.Error()
	if msg == "" {
		msg = "could not obtain message string for remote error"
	}
	return &define.RemoteError{
		Code:    define.CodeConnectionFailure,
		Message: msg,
		Command: command,
	}
}

func commandVerb(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
