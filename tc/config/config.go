package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/define"
)

type StorageConfig struct {
	Driver             string
	Dsn                string
	MaxConnections     int
	MaxIdleConnections int
	Timeout            Duration
	CheckpointInterval Duration
}

type NodeConfig struct {
	NodeId       int
	DataCenterId int
}

// FdwXactConfig holds the coordinator tunables.
type FdwXactConfig struct {
	MaxPreparedForeignXacts int
	MaxForeignXactResolvers int
	ResolverTimeout         Duration
	ResolutionRetryInterval Duration
	NaptimePerCycle         Duration
	ResolutionRateLimit     int
	CatalogCacheSize        int
	ConnectTimeout          Duration
	ResolveMode             define.ResolveMode
}

type EndpointConfig struct {
	Id             uint32
	Name           string
	Address        string
	Options        map[string]string
	TwoPhaseCommit bool
}

type CredentialConfig struct {
	Id         uint32
	EndpointId uint32
	User       string
	Secret     string
	Options    map[string]string
}

type LogFileConfig struct {
	Filename   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type Config struct {
	Node        NodeConfig
	HttpListen  string
	GrpcListen  string
	AdminToken  string
	Storage     StorageConfig
	FdwXact     FdwXactConfig
	Endpoints   []EndpointConfig
	Credentials []CredentialConfig
	Log         zap.Config
	LogFile     LogFileConfig
}

// Duration accepts "10s" style strings or integer nanoseconds in JSON.
type Duration time.Duration

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

var (
	cfgMu      sync.RWMutex
	cfg        = Default()
	configPath string
)

func Get() *Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the process config; used by tests and reloads.
func Set(c *Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func Default() *Config {
	return &Config{
		HttpListen: ":18080",
		GrpcListen: ":18081",
		Storage: StorageConfig{
			Driver:             define.StorageDriverPebble,
			Dsn:                "fdwxact-log",
			MaxConnections:     10,
			MaxIdleConnections: 5,
			Timeout:            Duration(3 * time.Second),
			CheckpointInterval: Duration(5 * time.Minute),
		},
		FdwXact: FdwXactConfig{
			MaxPreparedForeignXacts: 64,
			MaxForeignXactResolvers: 4,
			ResolverTimeout:         Duration(60 * time.Second),
			ResolutionRetryInterval: Duration(10 * time.Second),
			NaptimePerCycle:         Duration(3 * time.Minute),
			CatalogCacheSize:        128,
			ConnectTimeout:          Duration(10 * time.Second),
			ResolveMode:             define.ResolveWait,
		},
		Log: zap.NewProductionConfig(),
	}
}

func load(path string) (*Config, error) {
	dd, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := Default()
	err = json.Unmarshal(dd, c)
	if err != nil {
		return nil, err
	}

	if c.Node.NodeId == 0 && c.Node.DataCenterId == 0 {
		dcStr := os.Getenv("FDWXACT_DATACENTER_ID")
		ndStr := os.Getenv("FDWXACT_NODE_ID")
		if len(dcStr) == 0 || len(ndStr) == 0 {
			return nil, errors.New("environment variable is missing : FDWXACT_DATACENTER_ID or FDWXACT_NODE_ID")
		}
		dc, err := strconv.ParseInt(dcStr, 10, 32)
		if err != nil {
			return nil, err
		}
		nd, err := strconv.ParseInt(ndStr, 10, 32)
		if err != nil {
			return nil, err
		}
		c.Node.DataCenterId = int(dc)
		c.Node.NodeId = int(nd)
	}
	if stor := os.Getenv("FDWXACT_STORAGE"); len(stor) > 0 {
		err = json.Unmarshal([]byte(stor), &c.Storage)
		if err != nil {
			return nil, fmt.Errorf("FDWXACT_STORAGE : %w", err)
		}
	}
	if token := os.Getenv("FDWXACT_ADMIN_TOKEN"); len(token) > 0 {
		c.AdminToken = token
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	if c.FdwXact.MaxPreparedForeignXacts <= 0 {
		return errors.New("FdwXact.MaxPreparedForeignXacts must be positive")
	}
	if c.FdwXact.MaxForeignXactResolvers <= 0 {
		return errors.New("FdwXact.MaxForeignXactResolvers must be positive")
	}
	if c.FdwXact.ResolutionRetryInterval <= 0 || c.FdwXact.NaptimePerCycle <= 0 {
		return errors.New("FdwXact retry interval and naptime must be positive")
	}
	switch c.FdwXact.ResolveMode {
	case define.ResolveEager, define.ResolveAsync, define.ResolveWait:
	default:
		return fmt.Errorf("unknown FdwXact.ResolveMode %q", c.FdwXact.ResolveMode)
	}
	switch c.Storage.Driver {
	case define.StorageDriverPostgres, define.StorageDriverPebble:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func InitConfig(path string) error {
	c, err := load(path)
	if err != nil {
		return err
	}
	err = InitLog(&c.Log, &c.LogFile)
	if err != nil {
		return err
	}
	configPath = path
	Set(c)
	return nil
}

// Reload re-reads the file given to InitConfig. The logger is left untouched.
func Reload() (*Config, error) {
	if configPath == "" {
		return Get(), nil
	}
	c, err := load(configPath)
	if err != nil {
		return nil, err
	}
	Set(c)
	return c, nil
}

func InitLog(cfg *zap.Config, file *LogFileConfig) error {
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.LineEnding = zapcore.DefaultLineEnding
	cfg.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var opts []zap.Option
	if file != nil && file.Filename != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file.Filename,
			MaxSize:    file.MaxSize,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAge,
			Compress:   file.Compress,
		})
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), rotated, cfg.Level)
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	logger, err := cfg.Build(opts...)
	if err != nil {
		return err
	}

	logutil.SetLogger(logger)
	return nil
}
