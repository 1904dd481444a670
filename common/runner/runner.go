package runner

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ikenchina/fdwxact/common/errorutil"
	logutil "github.com/ikenchina/fdwxact/common/log"
)

type Service interface {
	Start() error
	Stop() error
}

// Reloader is implemented by services that re-read their configuration on SIGHUP.
type Reloader interface {
	Reload() error
}

type ServiceRunner interface {
	// Wait blocks until the service stopped and returns the start or stop error.
	Wait() error
}

var watchedSignals = []os.Signal{syscall.SIGPIPE, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// RunService starts s and stops it on the first terminating signal.
func RunService(s Service) ServiceRunner {
	r := newServiceRunner(s)
	signal.Notify(r.signals, watchedSignals...)
	r.run()
	return r
}

func newServiceRunner(s Service) *serviceRunner {
	return &serviceRunner{
		signals: make(chan os.Signal, 1),
		service: s,
		done:    make(chan struct{}),
	}
}

type serviceRunner struct {
	signals chan os.Signal
	service Service

	once sync.Once
	done chan struct{}
	err  error
}

func (r *serviceRunner) run() {
	errorutil.SafeGo(r.loop, func(p interface{}) {
		r.stop(errorutil.PanicError(p))
	})
}

func (r *serviceRunner) loop() {
	logger := logutil.Logger(context.Background())
	if err := r.service.Start(); err != nil {
		logger.Error("start failed", zap.Error(err))
		r.stop(err)
		return
	}
	for {
		select {
		case <-r.done:
			return
		case sig := <-r.signals:
			if !r.handleSignal(sig) {
				return
			}
		}
	}
}

// handleSignal reports whether the runner keeps going.
func (r *serviceRunner) handleSignal(sig os.Signal) bool {
	logger := logutil.Logger(context.Background())
	logger.Info("received signal", zap.String("signal", sig.String()))
	switch sig {
	case syscall.SIGPIPE:
		return true
	case syscall.SIGHUP:
		if rl, ok := r.service.(Reloader); ok {
			if err := rl.Reload(); err != nil {
				logger.Error("reload failed", zap.Error(err))
			}
		}
		return true
	}
	r.stop(nil)
	return false
}

func (r *serviceRunner) stop(cause error) {
	r.once.Do(func() {
		signal.Stop(r.signals)
		err := r.service.Stop()
		if err != nil {
			logutil.Logger(context.Background()).Error("stop failed", zap.Error(err))
		}
		r.err = multierr.Append(cause, err)
		close(r.done)
	})
}

func (r *serviceRunner) Wait() error {
	<-r.done
	logutil.Sync()
	return r.err
}
