package conn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/catalog"
)

var (
	ErrMockConnClosed = errors.New("mock connection closed")
)

// MockEndpoint simulates a remote server that understands the transaction
// control commands the coordinator sends.
type MockEndpoint struct {
	mu       sync.Mutex
	name     string
	prepared map[string]struct{}
	resolved map[string][]bool
	journal  []string
	conns    []*mockRemote
	dialErr  error
	failOn   func(command string) error
	hang     chan struct{}
}

func NewMockEndpoint(name string) *MockEndpoint {
	return &MockEndpoint{
		name:     name,
		prepared: make(map[string]struct{}),
		resolved: make(map[string][]bool),
	}
}

// SetDialError makes new connections fail with err (nil restores).
func (me *MockEndpoint) SetDialError(err error) {
	me.mu.Lock()
	me.dialErr = err
	me.mu.Unlock()
}

// SetFailure injects an error for statements fn returns non-nil for.
func (me *MockEndpoint) SetFailure(fn func(command string) error) {
	me.mu.Lock()
	me.failOn = fn
	me.mu.Unlock()
}

// Hang blocks user statements until the returned func is called.
func (me *MockEndpoint) Hang() (release func()) {
	ch := make(chan struct{})
	me.mu.Lock()
	me.hang = ch
	me.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			me.mu.Lock()
			me.hang = nil
			me.mu.Unlock()
			close(ch)
		})
	}
}

// AddPrepared seeds a prepared transaction, as if left from before a restart.
func (me *MockEndpoint) AddPrepared(id string) {
	me.mu.Lock()
	me.prepared[id] = struct{}{}
	me.mu.Unlock()
}

func (me *MockEndpoint) IsPrepared(id string) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	_, ok := me.prepared[id]
	return ok
}

func (me *MockEndpoint) Prepared() []string {
	me.mu.Lock()
	defer me.mu.Unlock()
	out := make([]string, 0, len(me.prepared))
	for id := range me.prepared {
		out = append(out, id)
	}
	return out
}

// Resolutions lists the outcomes applied to id, true for commit.
func (me *MockEndpoint) Resolutions(id string) []bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return append([]bool{}, me.resolved[id]...)
}

func (me *MockEndpoint) Journal() []string {
	me.mu.Lock()
	defer me.mu.Unlock()
	return append([]string{}, me.journal...)
}

// OpenSavepoints reports the savepoint depth of the most recent live connection.
func (me *MockEndpoint) OpenSavepoints() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	for i := len(me.conns) - 1; i >= 0; i-- {
		if !me.conns[i].closed {
			return len(me.conns[i].savepoints)
		}
	}
	return 0
}

// LiveConns counts connections not closed yet.
func (me *MockEndpoint) LiveConns() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	n := 0
	for _, c := range me.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

type mockRemote struct {
	ep         *MockEndpoint
	inTxn      bool
	failed     bool
	savepoints []int
	closed     bool
	busy       bool
}

func mockError(code, format string, args ...interface{}) error {
	return &define.RemoteError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func parseId(stmt, prefix string) string {
	id := strings.TrimSpace(strings.TrimPrefix(stmt, prefix))
	id = strings.TrimPrefix(id, "'")
	id = strings.TrimSuffix(id, "'")
	return strings.ReplaceAll(id, "''", "'")
}

func parseLevel(stmt, prefix string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(stmt, prefix)), "s"))
	return n
}

func (r *mockRemote) Exec(ctx context.Context, command string) ([]*Result, error) {
	results := make([]*Result, 0, 1)
	for _, stmt := range strings.Split(command, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		res, err := r.execOne(ctx, stmt)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *mockRemote) waitHang(ctx context.Context) error {
	r.ep.mu.Lock()
	hang := r.ep.hang
	r.busy = hang != nil
	r.ep.mu.Unlock()
	if hang == nil {
		return nil
	}
	select {
	case <-hang:
		r.ep.mu.Lock()
		r.busy = false
		r.ep.mu.Unlock()
		return nil
	case <-ctx.Done():
		r.ep.mu.Lock()
		r.busy = false
		r.closed = true
		r.ep.mu.Unlock()
		return ctx.Err()
	}
}

func (r *mockRemote) execOne(ctx context.Context, stmt string) (*Result, error) {
	me := r.ep
	upper := strings.ToUpper(stmt)
	isControl := strings.HasPrefix(upper, "SET ") || strings.HasPrefix(upper, "START ") ||
		strings.Contains(upper, "SAVEPOINT") || strings.Contains(upper, "PREPARE") ||
		strings.HasPrefix(upper, "COMMIT") || strings.HasPrefix(upper, "ROLLBACK") ||
		strings.HasPrefix(upper, "ABORT") || strings.HasPrefix(upper, "DEALLOCATE")
	if !isControl {
		if err := r.waitHang(ctx); err != nil {
			return nil, err
		}
	}

	me.mu.Lock()
	defer me.mu.Unlock()

	if r.closed {
		return nil, ErrMockConnClosed
	}
	me.journal = append(me.journal, stmt)

	if me.failOn != nil {
		if err := me.failOn(stmt); err != nil {
			if r.inTxn {
				r.failed = true
			}
			// a failed prepare or commit still ends the transaction
			if strings.HasPrefix(upper, "PREPARE TRANSACTION ") ||
				(strings.HasPrefix(upper, "COMMIT") && !strings.HasPrefix(upper, "COMMIT PREPARED")) {
				r.inTxn, r.failed, r.savepoints = false, false, nil
			}
			return nil, err
		}
	}

	res := &Result{CommandTag: commandVerb(stmt)}
	switch {
	case strings.HasPrefix(upper, "SET "), strings.HasPrefix(upper, "DEALLOCATE"):
	case strings.HasPrefix(upper, "START TRANSACTION"):
		if r.inTxn {
			return nil, mockError("25001", "there is already a transaction in progress")
		}
		r.inTxn, r.failed, r.savepoints = true, false, nil
	case strings.HasPrefix(upper, "SAVEPOINT "):
		if !r.inTxn {
			return nil, mockError("25P01", "SAVEPOINT can only be used in transaction blocks")
		}
		if r.failed {
			return nil, mockError("25P02", "current transaction is aborted")
		}
		r.savepoints = append(r.savepoints, parseLevel(stmt, "SAVEPOINT"))
	case strings.HasPrefix(upper, "RELEASE SAVEPOINT "):
		idx := r.findSavepoint(parseLevel(stmt, "RELEASE SAVEPOINT"))
		if idx < 0 {
			return nil, mockError("3B001", "savepoint %q does not exist", stmt)
		}
		r.savepoints = r.savepoints[:idx]
	case strings.HasPrefix(upper, "ROLLBACK TO SAVEPOINT "):
		idx := r.findSavepoint(parseLevel(stmt, "ROLLBACK TO SAVEPOINT"))
		if idx < 0 {
			return nil, mockError("3B001", "savepoint %q does not exist", stmt)
		}
		r.savepoints = r.savepoints[:idx+1]
		r.failed = false
	case strings.HasPrefix(upper, "PREPARE TRANSACTION "):
		if !r.inTxn {
			return nil, mockError("25P01", "PREPARE TRANSACTION can only be used in transaction blocks")
		}
		failed := r.failed
		r.inTxn, r.failed, r.savepoints = false, false, nil
		if failed {
			return nil, mockError("25P02", "current transaction is aborted")
		}
		id := parseId(stmt[len("PREPARE TRANSACTION "):], "")
		if _, ok := me.prepared[id]; ok {
			return nil, mockError("42710", "transaction identifier %q is already in use", id)
		}
		me.prepared[id] = struct{}{}
	case strings.HasPrefix(upper, "COMMIT PREPARED "), strings.HasPrefix(upper, "ROLLBACK PREPARED "):
		if r.inTxn {
			return nil, mockError("25001", "%s cannot run inside a transaction block", commandVerb(stmt))
		}
		commit := strings.HasPrefix(upper, "COMMIT")
		id := parseId(stmt[strings.Index(upper, "PREPARED ")+len("PREPARED "):], "")
		if _, ok := me.prepared[id]; !ok {
			return nil, mockError(define.CodeUndefinedObject, "prepared transaction with identifier %q does not exist", id)
		}
		delete(me.prepared, id)
		me.resolved[id] = append(me.resolved[id], commit)
	case strings.HasPrefix(upper, "COMMIT"):
		failed := r.failed
		r.inTxn, r.failed, r.savepoints = false, false, nil
		if failed {
			return nil, mockError("25P02", "current transaction is aborted")
		}
	case strings.HasPrefix(upper, "ABORT"), upper == "ROLLBACK":
		r.inTxn, r.failed, r.savepoints = false, false, nil
	default:
		if r.failed {
			return nil, mockError("25P02", "current transaction is aborted")
		}
	}
	return res, nil
}

func (r *mockRemote) findSavepoint(level int) int {
	for i := len(r.savepoints) - 1; i >= 0; i-- {
		if r.savepoints[i] == level {
			return i
		}
	}
	return -1
}

func (r *mockRemote) TxStatus() byte {
	r.ep.mu.Lock()
	defer r.ep.mu.Unlock()
	switch {
	case r.failed:
		return TxStatusFailed
	case r.inTxn:
		return TxStatusInTxn
	}
	return TxStatusIdle
}

func (r *mockRemote) IsBusy() bool {
	r.ep.mu.Lock()
	defer r.ep.mu.Unlock()
	return r.busy
}

func (r *mockRemote) CancelRequest(ctx context.Context) error {
	return nil
}

func (r *mockRemote) Close(ctx context.Context) error {
	r.ep.mu.Lock()
	r.closed = true
	r.ep.mu.Unlock()
	return nil
}

func (r *mockRemote) IsClosed() bool {
	r.ep.mu.Lock()
	defer r.ep.mu.Unlock()
	return r.closed
}

// MockDialer hands out connections to mock endpoints keyed by endpoint id.
type MockDialer struct {
	mu        sync.Mutex
	endpoints map[uint32]*MockEndpoint
}

func NewMockDialer() *MockDialer {
	return &MockDialer{endpoints: make(map[uint32]*MockEndpoint)}
}

// Endpoint returns the mock for id, creating it on first use.
func (md *MockDialer) Endpoint(id uint32) *MockEndpoint {
	md.mu.Lock()
	defer md.mu.Unlock()
	me, ok := md.endpoints[id]
	if !ok {
		me = NewMockEndpoint(strconv.FormatUint(uint64(id), 10))
		md.endpoints[id] = me
	}
	return me
}

func (md *MockDialer) Dial(ctx context.Context, ep *catalog.Endpoint, cred *catalog.Credential) (Remote, error) {
	me := md.Endpoint(ep.Id)
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.dialErr != nil {
		return nil, me.dialErr
	}
	r := &mockRemote{ep: me}
	me.conns = append(me.conns, r)
	return r, nil
}
