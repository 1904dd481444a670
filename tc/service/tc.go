package service

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ikenchina/fdwxact/common/errorutil"
	"github.com/ikenchina/fdwxact/common/idgenerator"
	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/tc/app/catalog"
	"github.com/ikenchina/fdwxact/tc/app/conn"
	"github.com/ikenchina/fdwxact/tc/app/model"
	"github.com/ikenchina/fdwxact/tc/app/registry"
	"github.com/ikenchina/fdwxact/tc/app/resolver"
	"github.com/ikenchina/fdwxact/tc/app/waitqueue"
	"github.com/ikenchina/fdwxact/tc/app/xact"
	"github.com/ikenchina/fdwxact/tc/config"
)

// FdwXactService assembles the coordinator: participant log, registry,
// resolvers, the transaction manager and the admin listeners.
type FdwXactService struct {
	cfg    *config.Config
	log    model.ParticipantLog
	dialer conn.Dialer
	ids    idgenerator.IdGenerator

	catalog    catalog.Catalog
	registry   *registry.Registry
	queue      *waitqueue.Queue
	supervisor *resolver.GoSupervisor
	launcher   *resolver.Launcher
	manager    *xact.Manager

	httpServer   *http.Server
	grpcServer   *grpc.Server
	httpListener net.Listener
	grpcListener net.Listener

	stopCheckpoint chan struct{}
	wait           sync.WaitGroup
	started        int32
	isClose        int32
}

type Option func(*FdwXactService)

// WithParticipantLog replaces the log configured by Storage.
func WithParticipantLog(l model.ParticipantLog) Option {
	return func(s *FdwXactService) { s.log = l }
}

// WithDialer replaces the postgres dialer used for remote endpoints.
func WithDialer(d conn.Dialer) Option {
	return func(s *FdwXactService) { s.dialer = d }
}

// WithIdGenerator replaces the snowflake generator of xids and worker pids.
func WithIdGenerator(ids idgenerator.IdGenerator) Option {
	return func(s *FdwXactService) { s.ids = ids }
}

func NewFdwXactService(cfg *config.Config, opts ...Option) (*FdwXactService, error) {
	s := &FdwXactService{
		cfg:            cfg,
		stopCheckpoint: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.ids == nil {
		s.ids, err = idgenerator.NewSnowflake(int64(cfg.Node.NodeId), int64(cfg.Node.DataCenterId))
		if err != nil {
			return nil, err
		}
	}
	if s.dialer == nil {
		s.dialer = &conn.PgDialer{ConnectTimeout: cfg.FdwXact.ConnectTimeout.D()}
	}

	static, err := catalog.NewStatic(cfg.Endpoints, cfg.Credentials)
	if err != nil {
		return nil, err
	}
	s.catalog, err = catalog.NewCached(static, cfg.FdwXact.CatalogCacheSize)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Manager is the entry point for sessions running distributed transactions.
// It is nil until Start succeeds.
func (s *FdwXactService) Manager() *xact.Manager {
	return s.manager
}

func (s *FdwXactService) Registry() *registry.Registry {
	return s.registry
}

func (s *FdwXactService) Launcher() *resolver.Launcher {
	return s.launcher
}

// Start recovers the registry from the participant log, starts the
// resolver launcher and the admin listeners. It does not block.
func (s *FdwXactService) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}
	ctx := context.Background()
	logger := logutil.Logger(ctx)
	logger.Info("start fdwxact service...")

	var err error
	if s.log == nil {
		s.log, err = model.NewParticipantLog(&s.cfg.Storage)
		if err != nil {
			return err
		}
	}

	s.registry = registry.New(s.log, s.cfg.FdwXact.MaxPreparedForeignXacts)
	n, err := s.registry.Recover(ctx)
	if err != nil {
		return err
	}
	logger.Info("recovered foreign transaction participants", zap.Int("count", n),
		zap.Int("capacity", s.registry.Capacity()))

	s.queue = waitqueue.New()
	s.supervisor = resolver.NewGoSupervisor(s.ids)
	s.launcher = resolver.NewLauncher(s.registry, s.queue, s.supervisor,
		resolver.PoolFactory(s.catalog, s.dialer),
		resolver.Options{
			MaxResolvers: s.cfg.FdwXact.MaxForeignXactResolvers,
			Timing:       resolver.TimingFromConfig(&s.cfg.FdwXact),
		})
	err = s.launcher.Start()
	if err != nil {
		return err
	}

	s.manager = xact.NewManager(s.registry, s.queue, s.launcher, s.catalog, s.dialer, xact.Options{
		Mode: s.cfg.FdwXact.ResolveMode,
		Xids: s.ids,
	})

	s.wait.Add(1)
	errorutil.SafeGo(s.checkpointLoop, nil)

	if len(s.cfg.HttpListen) > 0 {
		s.httpListener, err = net.Listen("tcp", s.cfg.HttpListen)
		if err != nil {
			return err
		}
		s.httpServer = &http.Server{Handler: s.newHttpHandler()}
		logger.Sugar().Infof("start http server : listen(%v)", s.httpListener.Addr())
		errorutil.SafeGo(func() {
			err := s.httpServer.Serve(s.httpListener)
			if err != nil && err != http.ErrServerClosed {
				logger.Error("http server exited", zap.Error(err))
			}
		}, nil)
	}

	if len(s.cfg.GrpcListen) > 0 {
		s.grpcListener, err = net.Listen("tcp", s.cfg.GrpcListen)
		if err != nil {
			return err
		}
		s.grpcServer = s.newGrpcServer()
		logger.Sugar().Infof("start grpc server : listen(%v)", s.grpcListener.Addr())
		errorutil.SafeGo(func() {
			err := s.grpcServer.Serve(s.grpcListener)
			if err != nil && err != grpc.ErrServerStopped {
				logger.Error("grpc server exited", zap.Error(err))
			}
		}, nil)
	}
	return nil
}

// HttpAddr is the bound http address, useful when listening on port 0.
func (s *FdwXactService) HttpAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

func (s *FdwXactService) GrpcAddr() string {
	if s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Reload re-reads the config file and applies the resolver timing and the
// resolution mode. Listeners, storage and capacities keep their startup values.
func (s *FdwXactService) Reload() error {
	c, err := config.Reload()
	if err != nil {
		return err
	}
	s.cfg.FdwXact.ResolverTimeout = c.FdwXact.ResolverTimeout
	s.cfg.FdwXact.ResolutionRetryInterval = c.FdwXact.ResolutionRetryInterval
	s.cfg.FdwXact.NaptimePerCycle = c.FdwXact.NaptimePerCycle
	s.cfg.FdwXact.ResolutionRateLimit = c.FdwXact.ResolutionRateLimit
	s.cfg.FdwXact.ResolveMode = c.FdwXact.ResolveMode

	if s.launcher != nil {
		s.launcher.ReloadConfig(resolver.TimingFromConfig(&s.cfg.FdwXact))
	}
	if s.manager != nil {
		s.manager.SetMode(c.FdwXact.ResolveMode)
	}
	logutil.Logger(context.Background()).Info("configuration reloaded",
		zap.String("mode", string(c.FdwXact.ResolveMode)))
	return nil
}

func (s *FdwXactService) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.isClose, 0, 1) {
		return nil
	}
	log := func(msg string, err error) error {
		if err != nil {
			logutil.Logger(context.Background()).Sugar().Errorf(msg+", error(%v)", err)
		} else {
			logutil.Logger(context.Background()).Sugar().Info(msg)
		}
		return err
	}

	// admin requests first so nothing reaches a stopped component
	var errs error
	errs = multierr.Append(errs, log("stop http server", s.stopHttpServer()))
	errs = multierr.Append(errs, log("stop grpc server", s.stopGrpcServer()))

	if atomic.LoadInt32(&s.started) == 1 {
		close(s.stopCheckpoint)
		s.wait.Wait()
	}
	if s.launcher != nil {
		errs = multierr.Append(errs, log("stop resolvers", s.launcher.Stop()))
	}
	if s.supervisor != nil {
		s.supervisor.Close()
	}
	if s.registry != nil {
		_, err := s.registry.Checkpoint(context.Background())
		errs = multierr.Append(errs, log("final checkpoint", err))
	}
	if s.log != nil {
		errs = multierr.Append(errs, log("close participant log", s.log.Close()))
	}
	logutil.Sync()
	return errs
}

func (s *FdwXactService) stopHttpServer() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *FdwXactService) stopGrpcServer() error {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	return nil
}

func (s *FdwXactService) checkpointLoop() {
	defer s.wait.Done()
	interval := s.cfg.Storage.CheckpointInterval.D()
	if interval <= 0 {
		<-s.stopCheckpoint
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCheckpoint:
			return
		case <-ticker.C:
			s.checkpoint()
		}
	}
}

func (s *FdwXactService) checkpoint() {
	ctx := context.Background()
	offset, err := s.registry.Checkpoint(ctx)
	if err != nil {
		logutil.Logger(ctx).Warn("checkpoint failed", zap.Error(err))
		return
	}
	logutil.Logger(ctx).Debug("checkpoint", zap.Int64("offset", offset))
}
