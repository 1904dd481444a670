package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type _idgeneratorSuite struct {
	suite.Suite
}

func TestIdGeneratorSuite(t *testing.T) {
	suite.Run(t, new(_idgeneratorSuite))
}

func (s *_idgeneratorSuite) TestInvalidIds() {
	_, err := NewSnowflake(MaxNodeId+1, 0)
	s.NotNil(err)
	_, err = NewSnowflake(0, MaxDataCenterId+1)
	s.NotNil(err)
	_, err = NewSnowflake(-1, 0)
	s.NotNil(err)
}

func (s *_idgeneratorSuite) TestSnowflakeUniqueAndIncreasing() {
	idg, err := NewSnowflake(3, 1)
	s.Nil(err)

	var mu sync.Mutex
	seen := make(map[int64]struct{})
	wg := sync.WaitGroup{}
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := int64(0)
			for i := 0; i < 2000; i++ {
				id, err := idg.NextId()
				s.Nil(err)
				s.True(id > last)
				last = id
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(8*2000, len(seen))
}

func (s *_idgeneratorSuite) TestSequence() {
	seq := NewSequence(100)
	id, _ := seq.NextId()
	s.Equal(int64(101), id)
	id, _ = seq.NextId()
	s.Equal(int64(102), id)
}
