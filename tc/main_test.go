package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/suite"
)

type _cliSuite struct {
	suite.Suite
}

func TestCliSuite(t *testing.T) {
	suite.Run(t, new(_cliSuite))
}

func (s *_cliSuite) run(args ...string) error {
	root := newRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	return root.Execute()
}

func (s *_cliSuite) TestRemoveNeedsFilter() {
	err := s.run("xacts", "remove")
	s.Require().NotNil(err)
	s.Contains(err.Error(), "at least one")
}

func (s *_cliSuite) TestStopResolverValidatesDbid() {
	err := s.run("resolvers", "stop", "abc")
	s.Require().NotNil(err)
	s.Contains(err.Error(), "invalid dbid")

	s.NotNil(s.run("resolvers", "stop"))
}

func (s *_cliSuite) TestInvalidServer() {
	err := s.run("--server", "127.0.0.1:18080", "resolvers", "list")
	s.Require().NotNil(err)
	s.Contains(err.Error(), "invalid server address")
}

func (s *_cliSuite) TestServeNeedsConfig() {
	s.NotNil(s.run("serve"))
}
