package shm

import (
	"encoding/binary"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

func newTestChannel(t *testing.T, capacity int) *Channel {
	t.Helper()
	ch, err := NewChannel(AllocRegion(capacity))
	require.NoError(t, err)
	return ch
}

func write(t *testing.T, ch *Channel, msgTypeID int32, payload []byte) bool {
	t.Helper()
	claim, err := ch.TryClaim(msgTypeID, len(payload))
	require.NoError(t, err)
	if claim == InsufficientCapacity {
		return false
	}
	internalshm.CopyBytes(payload, 0, ch.Region(), claim.Index(), len(payload))
	require.NoError(t, ch.Commit(claim))
	return true
}

type record struct {
	msgTypeID int32
	payload   []byte
}

func drain(t *testing.T, ch *Channel) []record {
	t.Helper()
	var out []record
	for i := 0; i < 2; i++ {
		_, err := ch.ReadAll(func(msgTypeID int32, buf []byte, index, length int) {
			out = append(out, record{msgTypeID, append([]byte(nil), buf[index:index+length]...)})
		})
		require.NoError(t, err)
	}
	return out
}

func TestNewChannelRejectsBadRegions(t *testing.T) {
	for _, n := range []int{0, TrailerLength, TrailerLength + 4, TrailerLength + 100, TrailerLength + 1000} {
		_, err := NewChannel(make([]byte, n))
		assert.ErrorIs(t, err, ErrInvalidArgument, "length %d", n)
	}

	region := AllocRegion(64)
	_, err := NewChannel(region[1:])
	assert.ErrorIs(t, err, ErrInvalidArgument)

	misaligned := internalshm.AllocAligned(RegionLength(64) + 8)[4 : 4+RegionLength(64)]
	_, err = NewChannel(misaligned)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	ch, err := NewChannel(region)
	require.NoError(t, err)
	assert.Equal(t, 64, ch.Capacity())
	assert.Equal(t, 8, ch.MaxMsgLength())
	assert.Equal(t, 0, ch.Size())
}

func TestCapacityBounds(t *testing.T) {
	assert.NoError(t, CheckCapacity(RegionLength(HeaderLength)))
	assert.NoError(t, CheckCapacity(RegionLength(MaxCapacity)))
	assert.ErrorIs(t, CheckCapacity(RegionLength(2*MaxCapacity)), ErrInvalidArgument)
	assert.ErrorIs(t, CheckCapacity(RegionLength(4)), ErrInvalidArgument)

	// a header-sized ring carries zero length records only
	ch := newTestChannel(t, HeaderLength)
	assert.Equal(t, 1, ch.MaxMsgLength())
	for i := 0; i < 3; i++ {
		require.True(t, write(t, ch, 7, nil), "write %d", i)
		assert.False(t, write(t, ch, 7, nil), "ring holds a single record")
		got := drain(t, ch)
		require.Len(t, got, 1)
		assert.Equal(t, int32(7), got[0].msgTypeID)
		assert.Empty(t, got[0].payload)
	}
}

func TestClaimPacking(t *testing.T) {
	c := newClaim(1024, 40)
	assert.Equal(t, 1024, c.Index())
	assert.Equal(t, 40, c.recordLength())
	assert.Equal(t, 32, c.PayloadLength())
	assert.Equal(t, -1, InsufficientCapacity.Index())
	assert.Equal(t, -1, InsufficientCapacity.recordLength())
}

func TestRoundTrip(t *testing.T) {
	ch := newTestChannel(t, 1024)
	payload := []byte("hello, shared memory")
	require.True(t, write(t, ch, 7, payload))
	assert.Equal(t, align(len(payload)+HeaderLength, Alignment), ch.Size())

	got := drain(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, int32(7), got[0].msgTypeID)
	assert.Equal(t, payload, got[0].payload)
	assert.Equal(t, 0, ch.Size())

	require.True(t, write(t, ch, 1, nil))
	got = drain(t, ch)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].payload)
}

func TestSixtyFourByteScenario(t *testing.T) {
	ch := newTestChannel(t, 64)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	for i := 0; i < 4; i++ {
		require.True(t, write(t, ch, 1, payload), "write %d", i)
	}
	claim, err := ch.TryClaim(1, 8)
	require.NoError(t, err)
	assert.Equal(t, InsufficientCapacity, claim)

	n, err := ch.ReadAll(func(int32, []byte, int, int) {})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.True(t, write(t, ch, 1, payload))
	require.True(t, write(t, ch, 1, payload))
	assert.Len(t, drain(t, ch), 2)
	assert.Equal(t, 0, ch.Size())
}

func TestWrapAroundWithoutCapacityLoss(t *testing.T) {
	ch := newTestChannel(t, 64)
	for round := 0; round < 10; round++ {
		for i := 0; i < 4; i++ {
			require.True(t, write(t, ch, 1, []byte{byte(round), byte(i), 0, 0, 0, 0, 0, 0}))
		}
		assert.Equal(t, 64, ch.Size())
		got := drain(t, ch)
		require.Len(t, got, 4)
		for i, r := range got {
			assert.Equal(t, byte(round), r.payload[0])
			assert.Equal(t, byte(i), r.payload[1])
		}
		assert.Equal(t, 0, ch.Size())
	}
	assert.Equal(t, uint64(640), ch.ConsumerPosition())
	assert.Equal(t, uint64(640), ch.ProducerPosition())
}

func TestPaddingAtPhysicalEnd(t *testing.T) {
	ch := newTestChannel(t, 64)
	for _, n := range []int{8, 8, 8, 0} {
		require.True(t, write(t, ch, 1, make([]byte, n)))
	}
	require.Len(t, drain(t, ch), 4)
	require.Equal(t, uint64(56), ch.ConsumerPosition())

	claim, err := ch.TryClaim(3, 8)
	require.NoError(t, err)
	require.NotEqual(t, InsufficientCapacity, claim)
	assert.Equal(t, HeaderLength, claim.Index())
	assert.Equal(t, int32(8), internalshm.LoadInt32(ch.Region(), 56))
	assert.Equal(t, PaddingMsgTypeID, internalshm.GetInt32(ch.Region(), 60))
	assert.Equal(t, uint64(80), ch.ProducerPosition())
	internalshm.CopyBytes([]byte("abcdefgh"), 0, ch.Region(), claim.Index(), 8)
	require.NoError(t, ch.Commit(claim))

	var got []record
	handler := func(msgTypeID int32, buf []byte, index, length int) {
		got = append(got, record{msgTypeID, append([]byte(nil), buf[index:index+length]...)})
	}
	n, err := ch.ReadAll(handler)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "first read stops at the physical end after the padding")
	n, err = ch.ReadAll(handler)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, int32(3), got[0].msgTypeID)
	assert.Equal(t, []byte("abcdefgh"), got[0].payload)
	assert.Equal(t, 0, ch.Size())
}

func TestPaddingNeedsSpaceBeforeHead(t *testing.T) {
	ch := newTestChannel(t, 64)
	for _, n := range []int{8, 8, 8, 0} {
		require.True(t, write(t, ch, 1, make([]byte, n)))
	}
	// consume only the first record: head index 16, tail index 56
	n, err := ch.Read(func(int32, []byte, int, int) {}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	claim, err := ch.TryClaim(1, 8)
	require.NoError(t, err)
	require.NotEqual(t, InsufficientCapacity, claim)
	assert.Equal(t, HeaderLength, claim.Index())
	require.NoError(t, ch.Commit(claim))

	claim, err = ch.TryClaim(1, 8)
	require.NoError(t, err)
	assert.Equal(t, InsufficientCapacity, claim)
}

func TestBounds(t *testing.T) {
	ch := newTestChannel(t, 1024)
	_, err := ch.TryClaim(1, ch.MaxMsgLength()+1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ch.TryClaim(1, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ch.TryClaim(0, 8)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ch.TryClaim(PaddingMsgTypeID, 8)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	claim, err := ch.TryClaim(1, ch.MaxMsgLength())
	require.NoError(t, err)
	assert.NoError(t, ch.Commit(claim))
}

func TestBackpressure(t *testing.T) {
	ch := newTestChannel(t, 256)
	payload := make([]byte, ch.MaxMsgLength())
	writes := 0
	for write(t, ch, 1, payload) {
		writes++
	}
	assert.Equal(t, 256/align(len(payload)+HeaderLength, Alignment), writes)

	n, err := ch.Read(func(int32, []byte, int, int) {}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, write(t, ch, 1, payload))
}

func TestClaimProtocolViolations(t *testing.T) {
	ch := newTestChannel(t, 256)

	claim, err := ch.TryClaim(1, 8)
	require.NoError(t, err)
	require.NoError(t, ch.Commit(claim))
	assert.ErrorIs(t, ch.Commit(claim), ErrProtocolViolation)
	assert.ErrorIs(t, ch.Abort(claim), ErrProtocolViolation)

	claim, err = ch.TryClaim(1, 8)
	require.NoError(t, err)
	require.NoError(t, ch.Abort(claim))
	assert.ErrorIs(t, ch.Abort(claim), ErrProtocolViolation)
	assert.ErrorIs(t, ch.Commit(claim), ErrProtocolViolation)

	never := newClaim(128+HeaderLength, 16)
	assert.ErrorIs(t, ch.Commit(never), ErrProtocolViolation)
	assert.ErrorIs(t, ch.Abort(never), ErrProtocolViolation)

	assert.ErrorIs(t, ch.Commit(InsufficientCapacity), ErrInvalidArgument)
	assert.ErrorIs(t, ch.Commit(newClaim(4096, 16)), ErrInvalidArgument)
	assert.ErrorIs(t, ch.Commit(newClaim(HeaderLength+4, 16)), ErrInvalidArgument)
	assert.ErrorIs(t, ch.Abort(newClaim(HeaderLength, 4)), ErrInvalidArgument)
	assert.ErrorIs(t, ch.Abort(newClaim(248+HeaderLength, 24)), ErrInvalidArgument)
}

func TestAbortDeliversNothing(t *testing.T) {
	ch := newTestChannel(t, 256)
	claim, err := ch.TryClaim(5, 16)
	require.NoError(t, err)
	require.NoError(t, ch.Abort(claim))
	require.True(t, write(t, ch, 6, []byte("after")))

	got := drain(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, int32(6), got[0].msgTypeID)
	assert.Equal(t, 0, ch.Size())
}

func TestReadRespectsLimitAndZeroesConsumed(t *testing.T) {
	ch := newTestChannel(t, 256)
	for i := 0; i < 5; i++ {
		require.True(t, write(t, ch, 1, []byte{0xAA, 0xBB, 0xCC, 0xDD}))
	}
	n, err := ch.Read(func(int32, []byte, int, int) {}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(32), ch.ConsumerPosition())
	assert.Equal(t, make([]byte, 32), ch.Region()[:32])
	assert.Equal(t, 48, ch.Size())

	n, err = ch.Read(func(int32, []byte, int, int) {}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReadReleasesOnHandlerPanic(t *testing.T) {
	ch := newTestChannel(t, 256)
	require.True(t, write(t, ch, 1, []byte("boom")))
	require.True(t, write(t, ch, 1, []byte("next")))

	assert.Panics(t, func() {
		_, _ = ch.ReadAll(func(int32, []byte, int, int) { panic("handler") })
	})
	assert.Equal(t, uint64(16), ch.ConsumerPosition())
	assert.Equal(t, make([]byte, 16), ch.Region()[:16])

	got := drain(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("next"), got[0].payload)
}

func TestReadDetectsCorruptRecords(t *testing.T) {
	ch := newTestChannel(t, 64)
	internalshm.PutInt32(ch.Region(), typeOffset(0), 1)
	internalshm.StoreInt32(ch.Region(), lengthOffset(0), 200)
	_, err := ch.ReadAll(func(int32, []byte, int, int) {})
	assert.ErrorIs(t, err, ErrCorruptRecord)

	ch = newTestChannel(t, 64)
	internalshm.StoreInt32(ch.Region(), lengthOffset(0), 16)
	_, err = ch.ReadAll(func(int32, []byte, int, int) {})
	assert.ErrorIs(t, err, ErrCorruptRecord)

	ch = newTestChannel(t, 64)
	require.True(t, write(t, ch, 1, []byte("ok")))
	internalshm.PutInt32(ch.Region(), typeOffset(16), 1)
	internalshm.StoreInt32(ch.Region(), lengthOffset(16), 4)
	n, err := ch.ReadAll(func(int32, []byte, int, int) {})
	assert.ErrorIs(t, err, ErrCorruptRecord)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(16), ch.ConsumerPosition())
}

// The concurrency tests below are meant to run under the race detector:
//
//	go test -race ./pkg/shm/ ./internal/shm/
func TestConservationWithConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perWriter = 5000
	)
	ch := newTestChannel(t, 1<<14)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			payload := make([]byte, 8+p)
			for seq := 0; seq < perWriter; {
				claim, err := ch.TryClaim(int32(p+1), len(payload))
				if err != nil {
					t.Error(err)
					return
				}
				if claim == InsufficientCapacity {
					runtime.Gosched()
					continue
				}
				binary.LittleEndian.PutUint32(payload, uint32(p))
				binary.LittleEndian.PutUint32(payload[4:], uint32(seq))
				internalshm.CopyBytes(payload, 0, ch.Region(), claim.Index(), len(payload))
				if err := ch.Commit(claim); err != nil {
					t.Error(err)
					return
				}
				seq++
			}
		}(p)
	}

	next := make([]int, producers)
	received := 0
	handler := func(msgTypeID int32, buf []byte, index, length int) {
		p := int(binary.LittleEndian.Uint32(buf[index:]))
		seq := int(binary.LittleEndian.Uint32(buf[index+4:]))
		if assert.Equal(t, int32(p+1), msgTypeID) && assert.Equal(t, 8+p, length) {
			assert.Equal(t, next[p], seq, "producer %d out of order", p)
			next[p] = seq + 1
		}
		received++
	}
	for received < producers*perWriter {
		n, err := ch.ReadAll(handler)
		require.NoError(t, err)
		if n == 0 {
			runtime.Gosched()
		}
	}
	wg.Wait()

	for p := 0; p < producers; p++ {
		assert.Equal(t, perWriter, next[p])
	}
	assert.Equal(t, 0, ch.Size())
	assert.Equal(t, ch.ProducerPosition(), ch.ConsumerPosition())
}

func TestAbortRacesWithReader(t *testing.T) {
	const (
		producers = 4
		perWriter = 5000
		committed = int32(2)
		aborted   = int32(3)
	)
	ch := newTestChannel(t, 1<<12)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWriter; {
				msgTypeID := committed
				if i%2 == 1 {
					msgTypeID = aborted
				}
				claim, err := ch.TryClaim(msgTypeID, 16)
				if err != nil {
					t.Error(err)
					return
				}
				if claim == InsufficientCapacity {
					runtime.Gosched()
					continue
				}
				if msgTypeID == aborted {
					err = ch.Abort(claim)
				} else {
					err = ch.Commit(claim)
				}
				if err != nil {
					t.Error(err)
					return
				}
				i++
			}
		}(p)
	}

	want := producers * perWriter / 2
	received := 0
	for received < want {
		n, err := ch.ReadAll(func(msgTypeID int32, _ []byte, _, _ int) {
			assert.Equal(t, committed, msgTypeID)
			received++
		})
		require.NoError(t, err)
		if n == 0 {
			runtime.Gosched()
		}
	}
	wg.Wait()
	drain(t, ch)
	assert.Equal(t, want, received)
	assert.Equal(t, 0, ch.Size())
}
