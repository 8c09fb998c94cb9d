package shm

import (
	"fmt"
	"math/bits"
)

// Record layout. Writing a positive length signals that the record is complete.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                            Length                             |
//	+---------------------------------------------------------------+
//	|                             Type                              |
//	+---------------------------------------------------------------+
//	|                        Encoded Message                       ...
//	...                                                             |
//	+---------------------------------------------------------------+
const (
	// HeaderLength is the size of the length and type fields in front of every payload.
	HeaderLength = 8
	// Alignment of every record, in bytes.
	Alignment = HeaderLength

	// PaddingMsgTypeID marks a record that only fills space up to the end of the buffer.
	PaddingMsgTypeID int32 = -1
	// DefaultMsgTypeID is the type tag used by Buffer.Write.
	DefaultMsgTypeID int32 = 1
)

// Trailer layout, appended after the data segment. Each sequence sits alone in two cache
// lines so producers and the consumer never share a line.
const (
	cacheLineLength = 64

	ProducerSequenceOffset      = 0
	ConsumerCacheSequenceOffset = ProducerSequenceOffset + 2*cacheLineLength
	ConsumerSequenceOffset      = ConsumerCacheSequenceOffset + 2*cacheLineLength

	// TrailerLength is the total length of the trailer in bytes.
	TrailerLength = ConsumerSequenceOffset + 2*cacheLineLength
)

func lengthOffset(recordOffset int) int { return recordOffset }

func typeOffset(recordOffset int) int { return recordOffset + 4 }

func encodedMsgOffset(recordOffset int) int { return recordOffset + HeaderLength }

// align rounds value up to the next multiple of alignment, a power of two.
func align(value, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}

func isPowerOfTwo(value int) bool {
	return value > 0 && bits.OnesCount64(uint64(value)) == 1
}

// MaxCapacity is the largest data segment a Channel supports. Claims pack the record
// index and length into 32 bits each.
const MaxCapacity = 1 << 30

// CheckCapacity verifies that a region of the given total length can back a Channel:
// a power of two data segment, at least one record header wide and at most MaxCapacity,
// followed by the trailer.
func CheckCapacity(regionLength int) error {
	capacity := regionLength - TrailerLength
	if !isPowerOfTwo(capacity) || capacity < HeaderLength || capacity > MaxCapacity {
		return fmt.Errorf("%w: capacity must be a power of 2 in [%d, %d] plus TrailerLength, region length=%d",
			ErrInvalidArgument, HeaderLength, MaxCapacity, regionLength)
	}
	return nil
}

// RegionLength returns the number of bytes a region needs for dataCapacity bytes of records.
func RegionLength(dataCapacity int) int {
	return dataCapacity + TrailerLength
}

func checkTypeID(msgTypeID int32) error {
	if msgTypeID < 1 {
		return fmt.Errorf("%w: message type id must be greater than zero, msgTypeID=%d", ErrInvalidArgument, msgTypeID)
	}
	return nil
}

// Claim is the result of Channel.TryClaim. It packs the payload index and the record
// length, and must be passed exactly once to Commit or Abort.
type Claim int64

// InsufficientCapacity is returned by TryClaim when the record does not fit right now.
const InsufficientCapacity Claim = -1

func newClaim(index, recordLength int) Claim {
	return Claim(int64(index)<<32 | int64(uint32(recordLength)))
}

// Index is the region offset at which the claimed payload must be written.
func (c Claim) Index() int {
	return int(int32(c >> 32))
}

func (c Claim) recordLength() int {
	return int(int32(uint32(c)))
}

// PayloadLength is the number of payload bytes the claim reserved.
func (c Claim) PayloadLength() int {
	return c.recordLength() - HeaderLength
}
