package idgenerator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

/*
|------------ 41 bit --------|---------- 2 bit ----------|----------- 7 bit ----------|------------ 13 bit ------------|
          milli second                datacenter                       node                        sequence
	 	 69 years                         4                            128                          8192
*/

const (
	AnchorEpoch = int64(1577836800000) // 2020/01/01 00:00:00 UTC

	DataCenterBits  = uint(2)
	MaxDataCenterId = -1 ^ (-1 << DataCenterBits)

	NodeIdBits = uint(7)
	MaxNodeId  = -1 ^ (-1 << NodeIdBits)

	SequenceBits      = uint(13)
	NodeIdShift       = SequenceBits
	DataCenterIdShift = SequenceBits + NodeIdBits
	TimestampShift    = SequenceBits + NodeIdBits + DataCenterBits
	MaxSequence       = -1 ^ (-1 << SequenceBits)
)

var (
	ErrClockBackwards = errors.New("clock moved backwards")
)

// IdGenerator hands out process-unique, roughly time ordered ids.
type IdGenerator interface {
	NextId() (int64, error)
}

type snowFlake struct {
	sync.Mutex
	lastTimestamp int64
	nodeId        int64
	datacenterId  int64
	sequence      int64
}

func NewSnowflake(nodeId, datacenterId int64) (IdGenerator, error) {
	if nodeId > MaxNodeId || nodeId < 0 {
		return nil, fmt.Errorf("node id should be in range [%d, %d]", 0, MaxNodeId)
	}
	if datacenterId > MaxDataCenterId || datacenterId < 0 {
		return nil, fmt.Errorf("datacenter id should be in range [%d, %d]", 0, MaxDataCenterId)
	}
	return &snowFlake{
		nodeId:        nodeId,
		datacenterId:  datacenterId,
		lastTimestamp: nowMilliSecond(),
	}, nil
}

func nowMilliSecond() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func waitNextMilliSecond(lastTimestamp int64) int64 {
	millis := nowMilliSecond()
	for millis <= lastTimestamp {
		time.Sleep(100 * time.Microsecond)
		millis = nowMilliSecond()
	}
	return millis
}

func (id *snowFlake) NextId() (int64, error) {
	id.Lock()
	defer id.Unlock()

	millis := nowMilliSecond()
	if millis < id.lastTimestamp {
		return -1, ErrClockBackwards
	}

	if id.lastTimestamp == millis {
		id.sequence = (id.sequence + 1) & MaxSequence
		// overflow : wait next milli second
		if id.sequence == 0 {
			millis = waitNextMilliSecond(id.lastTimestamp)
		}
	} else {
		id.sequence = 0
	}

	id.lastTimestamp = millis
	return ((millis - AnchorEpoch) << TimestampShift) | (id.datacenterId << DataCenterIdShift) | (id.nodeId << NodeIdShift) | id.sequence, nil
}

// sequence is a monotonic counter; used where ids need not survive restarts.
type sequence struct {
	last int64
}

func NewSequence(start int64) IdGenerator {
	return &sequence{last: start}
}

func (s *sequence) NextId() (int64, error) {
	return atomic.AddInt64(&s.last, 1), nil
}
