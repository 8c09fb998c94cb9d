package shm

import (
	"fmt"
	"math"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// MessageHandler receives one committed record. buf is the whole region and the payload
// occupies buf[index:index+length]; the slice must not be retained after the call returns.
type MessageHandler func(msgTypeID int32, buf []byte, index, length int)

// Channel is a many-to-one ring of variable length records laid out over a region.
// Any number of goroutines or processes may claim concurrently; Read must only be
// called from a single consumer.
type Channel struct {
	buffer                 []byte
	capacity               int
	maxMsgLength           int
	tailPositionIndex      int
	headCachePositionIndex int
	headPositionIndex      int
}

// AllocRegion returns a zeroed, 8-byte aligned heap region holding dataCapacity bytes of
// records plus the trailer.
func AllocRegion(dataCapacity int) []byte {
	return internalshm.AllocAligned(RegionLength(dataCapacity))
}

// NewChannel lays a channel over region. The data capacity is len(region)-TrailerLength.
func NewChannel(region []byte) (*Channel, error) {
	if err := CheckCapacity(len(region)); err != nil {
		return nil, err
	}
	if !internalshm.IsAligned(region, Alignment) {
		return nil, fmt.Errorf("%w: region must be %d-byte aligned", ErrInvalidArgument, Alignment)
	}
	capacity := len(region) - TrailerLength
	return &Channel{
		buffer:                 region,
		capacity:               capacity,
		maxMsgLength:           capacity >> 3,
		tailPositionIndex:      capacity + ProducerSequenceOffset,
		headCachePositionIndex: capacity + ConsumerCacheSequenceOffset,
		headPositionIndex:      capacity + ConsumerSequenceOffset,
	}, nil
}

// Capacity of the data segment in bytes.
func (c *Channel) Capacity() int { return c.capacity }

// MaxMsgLength is the largest payload TryClaim accepts.
func (c *Channel) MaxMsgLength() int { return c.maxMsgLength }

// Region returns the backing bytes, including the trailer.
func (c *Channel) Region() []byte { return c.buffer }

// ProducerPosition is the total number of bytes ever claimed.
func (c *Channel) ProducerPosition() uint64 {
	return internalshm.AtomicLoadUint64(c.buffer, c.tailPositionIndex)
}

// ConsumerPosition is the total number of bytes ever consumed.
func (c *Channel) ConsumerPosition() uint64 {
	return internalshm.AtomicLoadUint64(c.buffer, c.headPositionIndex)
}

// TryClaim reserves space for a payload of length bytes. The payload must be written at
// claim.Index() and the claim then passed to Commit or Abort. InsufficientCapacity is
// returned, with a nil error, when the record does not fit.
func (c *Channel) TryClaim(msgTypeID int32, length int) (Claim, error) {
	if err := checkTypeID(msgTypeID); err != nil {
		return InsufficientCapacity, err
	}
	if length < 0 || length > c.maxMsgLength {
		return InsufficientCapacity, fmt.Errorf("%w: encoded message exceeds maxMsgLength=%d, length=%d",
			ErrInvalidArgument, c.maxMsgLength, length)
	}

	recordLength := length + HeaderLength
	recordIndex := c.claimCapacity(recordLength)
	if recordIndex < 0 {
		return InsufficientCapacity, nil
	}

	internalshm.PutInt32(c.buffer, typeOffset(recordIndex), msgTypeID)
	return newClaim(encodedMsgOffset(recordIndex), recordLength), nil
}

// Commit publishes a claimed record to the consumer.
func (c *Channel) Commit(claim Claim) error {
	recordIndex, recordLength, err := c.checkClaim(claim)
	if err != nil {
		return err
	}
	if internalshm.LoadInt32(c.buffer, typeOffset(recordIndex)) < 1 {
		return fmt.Errorf("%w: commit of unclaimed record at index %d", ErrProtocolViolation, recordIndex)
	}
	if !internalshm.CompareAndSwapInt32(c.buffer, lengthOffset(recordIndex), 0, int32(recordLength)) {
		return fmt.Errorf("%w: record at index %d already committed or aborted", ErrProtocolViolation, recordIndex)
	}
	return nil
}

// Abort turns a claimed record into padding so the consumer skips it.
func (c *Channel) Abort(claim Claim) error {
	recordIndex, recordLength, err := c.checkClaim(claim)
	if err != nil {
		return err
	}
	if internalshm.LoadInt32(c.buffer, lengthOffset(recordIndex)) != 0 ||
		internalshm.LoadInt32(c.buffer, typeOffset(recordIndex)) < 1 {
		return fmt.Errorf("%w: abort of record at index %d which is not claimed", ErrProtocolViolation, recordIndex)
	}
	internalshm.PutInt32(c.buffer, typeOffset(recordIndex), PaddingMsgTypeID)
	if !internalshm.CompareAndSwapInt32(c.buffer, lengthOffset(recordIndex), 0, int32(recordLength)) {
		return fmt.Errorf("%w: record at index %d already committed or aborted", ErrProtocolViolation, recordIndex)
	}
	return nil
}

func (c *Channel) checkClaim(claim Claim) (recordIndex, recordLength int, err error) {
	index := claim.Index()
	recordIndex = index - HeaderLength
	recordLength = claim.recordLength()
	if claim == InsufficientCapacity || recordIndex < 0 || recordIndex > c.capacity-HeaderLength ||
		recordIndex%Alignment != 0 {
		return 0, 0, fmt.Errorf("%w: claim index %d outside of record range", ErrInvalidArgument, index)
	}
	if recordLength < HeaderLength || recordLength-HeaderLength > c.maxMsgLength ||
		recordIndex+align(recordLength, Alignment) > c.capacity {
		return 0, 0, fmt.Errorf("%w: claim record length %d invalid at index %d", ErrInvalidArgument, recordLength, index)
	}
	return recordIndex, recordLength, nil
}

// Read delivers up to limit committed records, in order, to handler. It never reads past
// the physical end of the buffer, so a wrapped batch needs a second call. The consumed
// range is zeroed and released even when handler panics.
func (c *Channel) Read(handler MessageHandler, limit int) (messagesRead int, err error) {
	buffer := c.buffer
	head := internalshm.AtomicLoadUint64(buffer, c.headPositionIndex)
	headIndex := int(head & uint64(c.capacity-1))
	maxBlockLength := c.capacity - headIndex
	bytesRead := 0

	defer func() {
		if bytesRead > 0 {
			internalshm.Zero(buffer, headIndex, bytesRead)
			internalshm.AtomicStoreUint64(buffer, c.headPositionIndex, head+uint64(bytesRead))
		}
	}()

	for bytesRead < maxBlockLength && messagesRead < limit {
		recordIndex := headIndex + bytesRead
		recordLength := int(internalshm.LoadInt32(buffer, lengthOffset(recordIndex)))
		if recordLength <= 0 {
			break
		}
		alignedLength := align(recordLength, Alignment)
		if recordLength < HeaderLength || alignedLength > maxBlockLength-bytesRead {
			return messagesRead, fmt.Errorf("%w: length %d at index %d", ErrCorruptRecord, recordLength, recordIndex)
		}
		msgTypeID := internalshm.GetInt32(buffer, typeOffset(recordIndex))
		if msgTypeID == 0 {
			return messagesRead, fmt.Errorf("%w: type 0 at index %d", ErrCorruptRecord, recordIndex)
		}

		bytesRead += alignedLength
		if msgTypeID == PaddingMsgTypeID {
			continue
		}

		messagesRead++
		handler(msgTypeID, buffer, encodedMsgOffset(recordIndex), recordLength-HeaderLength)
	}
	return messagesRead, nil
}

// ReadAll delivers every committed record up to the physical end of the buffer.
func (c *Channel) ReadAll(handler MessageHandler) (int, error) {
	return c.Read(handler, math.MaxInt)
}

// Size is the number of bytes claimed but not yet consumed.
func (c *Channel) Size() int {
	headBefore := internalshm.AtomicLoadUint64(c.buffer, c.headPositionIndex)
	for {
		tail := internalshm.AtomicLoadUint64(c.buffer, c.tailPositionIndex)
		headAfter := internalshm.AtomicLoadUint64(c.buffer, c.headPositionIndex)
		if headAfter == headBefore {
			size := int64(tail - headAfter)
			switch {
			case size < 0:
				return 0
			case size > int64(c.capacity):
				return c.capacity
			}
			return int(size)
		}
		headBefore = headAfter
	}
}

func (c *Channel) claimCapacity(recordLength int) int {
	required := align(recordLength, Alignment)
	capacity := c.capacity
	mask := uint64(capacity - 1)
	buffer := c.buffer

	head := internalshm.AtomicLoadUint64(buffer, c.headCachePositionIndex)
	var tail uint64
	var tailIndex, padding int
	for {
		tail = internalshm.AtomicLoadUint64(buffer, c.tailPositionIndex)
		if required > capacity-int(tail-head) {
			head = internalshm.AtomicLoadUint64(buffer, c.headPositionIndex)
			if required > capacity-int(tail-head) {
				return -1
			}
			internalshm.AtomicStoreUint64(buffer, c.headCachePositionIndex, head)
		}

		padding = 0
		tailIndex = int(tail & mask)
		toBufferEnd := capacity - tailIndex
		if required > toBufferEnd {
			headIndex := int(head & mask)
			if required > headIndex {
				head = internalshm.AtomicLoadUint64(buffer, c.headPositionIndex)
				headIndex = int(head & mask)
				if required > headIndex {
					return -1
				}
				internalshm.AtomicStoreUint64(buffer, c.headCachePositionIndex, head)
			}
			padding = toBufferEnd
		}

		if internalshm.AtomicCompareAndSwapUint64(buffer, c.tailPositionIndex, tail, tail+uint64(required+padding)) {
			break
		}
	}

	if padding != 0 {
		internalshm.PutInt32(buffer, typeOffset(tailIndex), PaddingMsgTypeID)
		internalshm.StoreInt32(buffer, lengthOffset(tailIndex), int32(padding))
		tailIndex = 0
	}
	return tailIndex
}
