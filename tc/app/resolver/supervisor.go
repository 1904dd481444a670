package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ikenchina/fdwxact/common/errorutil"
	"github.com/ikenchina/fdwxact/common/idgenerator"
	logutil "github.com/ikenchina/fdwxact/common/log"
)

var (
	ErrUnknownKind      = errors.New("unknown worker kind")
	ErrSupervisorClosed = errors.New("supervisor is closed")
)

type WorkerKind string

const (
	KindLauncher WorkerKind = "launcher"
	KindResolver WorkerKind = "resolver"
)

// EntryFunc is the body of a supervised worker. It returns when ctx is done
// or the worker decides to exit.
type EntryFunc func(ctx context.Context, pid int64, arg uint32) error

// Handle controls one started worker.
type Handle interface {
	Pid() int64
	// Stop asks the worker to exit; it does not wait.
	Stop()
	// Wait blocks until the worker has exited and returns its error.
	Wait() error
	Done() <-chan struct{}
}

// Supervisor starts and tracks background workers.
type Supervisor interface {
	Register(kind WorkerKind, entry EntryFunc)
	StartWorker(kind WorkerKind, arg uint32) (Handle, error)
}

type taskHandle struct {
	pid    int64
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *taskHandle) Pid() int64 {
	return h.pid
}

func (h *taskHandle) Stop() {
	h.cancel()
}

func (h *taskHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *taskHandle) Done() <-chan struct{} {
	return h.done
}

// GoSupervisor runs workers as goroutines. A panicking worker is logged and
// reported through Wait like any other error.
type GoSupervisor struct {
	mu      sync.Mutex
	entries map[WorkerKind]EntryFunc
	ids     idgenerator.IdGenerator
	running map[int64]*taskHandle
	closed  bool
}

func NewGoSupervisor(ids idgenerator.IdGenerator) *GoSupervisor {
	return &GoSupervisor{
		entries: make(map[WorkerKind]EntryFunc),
		ids:     ids,
		running: make(map[int64]*taskHandle),
	}
}

func (s *GoSupervisor) Register(kind WorkerKind, entry EntryFunc) {
	s.mu.Lock()
	s.entries[kind] = entry
	s.mu.Unlock()
}

func (s *GoSupervisor) StartWorker(kind WorkerKind, arg uint32) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSupervisorClosed
	}
	entry, ok := s.entries[kind]
	if !ok {
		return nil, fmt.Errorf("%w : %s", ErrUnknownKind, kind)
	}
	pid, err := s.ids.NextId()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logutil.WithFields(ctx, zap.String("worker", string(kind)), zap.Int64("pid", pid))
	h := &taskHandle{
		pid:    pid,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.running[pid] = h

	go func() {
		defer close(h.done)
		defer s.forget(pid)
		defer cancel()
		defer errorutil.Recovery(func(r interface{}) {
			logutil.Logger(ctx).Error("worker panic", zap.Any("panic", r), zap.ByteString("stack", errorutil.Stack()))
			h.err = errorutil.PanicError(r)
		})
		h.err = entry(ctx, pid, arg)
	}()
	return h, nil
}

func (s *GoSupervisor) forget(pid int64) {
	s.mu.Lock()
	delete(s.running, pid)
	s.mu.Unlock()
}

// Running counts workers that have not exited.
func (s *GoSupervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Close stops every running worker and waits for them.
func (s *GoSupervisor) Close() {
	s.mu.Lock()
	s.closed = true
	handles := make([]*taskHandle, 0, len(s.running))
	for _, h := range s.running {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	for _, h := range handles {
		h.Wait()
	}
}
