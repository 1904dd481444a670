package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/fdwxact/define"
)

type _configSuite struct {
	suite.Suite
	dir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(_configSuite))
}

func (s *_configSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *_configSuite) write(content string) string {
	path := filepath.Join(s.dir, "config.json")
	s.Nil(os.WriteFile(path, []byte(content), 0600))
	return path
}

func (s *_configSuite) TestLoad() {
	path := s.write(`{
		"Node": {"NodeId": 1, "DataCenterId": 1},
		"AdminToken": "secret",
		"FdwXact": {"MaxPreparedForeignXacts": 8, "ResolverTimeout": "2s", "ResolveMode": "async"},
		"Endpoints": [{"Id": 1, "Name": "a", "Address": "host=a", "TwoPhaseCommit": true}],
		"Credentials": [{"Id": 10, "EndpointId": 1, "User": "u", "Secret": "p"}]
	}`)
	c, err := load(path)
	s.Nil(err)
	s.Equal(8, c.FdwXact.MaxPreparedForeignXacts)
	s.Equal(2*time.Second, c.FdwXact.ResolverTimeout.D())
	s.Equal(4, c.FdwXact.MaxForeignXactResolvers)
	s.Equal(10*time.Second, c.FdwXact.ResolutionRetryInterval.D())
	s.Equal(define.ResolveAsync, c.FdwXact.ResolveMode)
	s.Equal(define.StorageDriverPebble, c.Storage.Driver)
	s.Len(c.Endpoints, 1)
	s.True(c.Endpoints[0].TwoPhaseCommit)
	s.Equal(uint32(1), c.Credentials[0].EndpointId)
}

func (s *_configSuite) TestEnvFallback() {
	path := s.write(`{}`)
	s.T().Setenv("FDWXACT_NODE_ID", "3")
	s.T().Setenv("FDWXACT_DATACENTER_ID", "1")
	s.T().Setenv("FDWXACT_STORAGE", `{"Driver": "postgresql", "Dsn": "host=db"}`)
	s.T().Setenv("FDWXACT_ADMIN_TOKEN", "tok")
	c, err := load(path)
	s.Nil(err)
	s.Equal(3, c.Node.NodeId)
	s.Equal(define.StorageDriverPostgres, c.Storage.Driver)
	s.Equal("host=db", c.Storage.Dsn)
	s.Equal("tok", c.AdminToken)
}

func (s *_configSuite) TestInvalid() {
	_, err := load(s.write(`{"Node": {"NodeId": 1}, "FdwXact": {"MaxPreparedForeignXacts": -1}}`))
	s.NotNil(err)
	_, err = load(s.write(`{"Node": {"NodeId": 1}, "Storage": {"Driver": "mysql"}}`))
	s.NotNil(err)
	_, err = load(s.write(`{"Node": {"NodeId": 1}, "FdwXact": {"ResolverTimeout": "soon"}}`))
	s.NotNil(err)
}

func (s *_configSuite) TestInitLogWithFile() {
	c := Default()
	file := &LogFileConfig{Filename: filepath.Join(s.dir, "fdwxact.log"), MaxSize: 1}
	s.Nil(InitLog(&c.Log, file))
}
