package waitqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type _queueSuite struct {
	suite.Suite
	q   *Queue
	now time.Time
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(_queueSuite))
}

func (s *_queueSuite) SetupTest() {
	s.q = New()
	s.now = time.Now()
}

func (s *_queueSuite) waiter(xid uint64, dbid uint32, at time.Duration) *Waiter {
	w := NewWaiter(xid, dbid, 1)
	w.ResolutionTime = s.now.Add(at)
	s.Require().Nil(s.q.Enqueue(w))
	return w
}

func (s *_queueSuite) TestOrderByResolutionTime() {
	late := s.waiter(1, 5, 2*time.Second)
	early := s.waiter(2, 5, -time.Second)
	same := s.waiter(3, 5, -time.Second)
	s.waiter(4, 6, -time.Second)

	w, _ := s.q.NextDue(5, s.now)
	s.Equal(early, w)
	w, _ = s.q.NextDue(5, s.now)
	s.Equal(same, w)

	w, next := s.q.NextDue(5, s.now)
	s.Nil(w)
	s.Equal(late.ResolutionTime, next)

	w, _ = s.q.NextDue(5, s.now.Add(3*time.Second))
	s.Equal(late, w)
	w, next = s.q.NextDue(5, s.now.Add(3*time.Second))
	s.Nil(w)
	s.True(next.IsZero())
}

func (s *_queueSuite) TestEnqueueTwice() {
	w := s.waiter(1, 5, 0)
	s.True(errors.Is(s.q.Enqueue(w), ErrAlreadyQueued))
	s.True(errors.Is(s.q.Enqueue(NewWaiter(1, 5, 2)), ErrAlreadyQueued))
}

func (s *_queueSuite) TestCompleteWakesCaller() {
	w := s.waiter(1, 5, 0)
	got, _ := s.q.NextDue(5, s.now)
	s.Equal(w, got)
	s.True(s.q.HasWaiter(5))

	go s.q.Complete(got, nil)
	s.Nil(w.Wait(context.Background()))
	s.False(s.q.HasWaiter(5))
	s.Equal(0, s.q.Len())

	failed := s.waiter(2, 5, 0)
	s.q.Complete(failed, errors.New("boom"))
	s.EqualError(failed.Wait(context.Background()), "boom")
}

func (s *_queueSuite) TestReschedule() {
	w := s.waiter(1, 5, 0)
	got, _ := s.q.NextDue(5, s.now)
	s.q.Reschedule(got, s.now.Add(time.Minute))

	none, next := s.q.NextDue(5, s.now)
	s.Nil(none)
	s.Equal(s.now.Add(time.Minute), next)
	got, _ = s.q.NextDue(5, s.now.Add(time.Minute))
	s.Equal(w, got)
}

func (s *_queueSuite) TestCancel() {
	w := s.waiter(1, 5, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Equal(context.Canceled, w.Wait(ctx))
	s.True(s.q.Cancel(w))
	s.False(s.q.HasWaiter(5))

	w = s.waiter(2, 5, 0)
	s.q.NextDue(5, s.now)
	s.False(s.q.Cancel(w))
	s.True(s.q.HasWaiter(5))
}

func (s *_queueSuite) TestDetachIfIdle() {
	detached := 0
	s.waiter(1, 5, 0)
	s.False(s.q.DetachIfIdle(5, func() { detached++ }))
	s.True(s.q.DetachIfIdle(6, func() { detached++ }))
	s.Equal(1, detached)
	s.Equal([]uint32{5}, s.q.Databases())
}

func (s *_queueSuite) TestDetachRacesEnqueue() {
	stop := make(chan struct{})
	violations := 0
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.q.DetachIfIdle(5, func() {
				if s.q.hasWaiterLocked(5) {
					violations++
				}
			})
		}
	}()

	for i := 0; i < 200; i++ {
		w := NewWaiter(uint64(i+1), 5, 1)
		s.Require().Nil(s.q.Enqueue(w))
		s.False(s.q.DetachIfIdle(5, func() { violations++ }))
		got, _ := s.q.NextDue(5, time.Now())
		s.Equal(w, got)
		s.False(s.q.DetachIfIdle(5, func() { violations++ }))
		s.q.Complete(got, nil)
	}
	close(stop)
	wg.Wait()

	s.Equal(0, violations)
	s.Equal(0, s.q.Len())
}
