package queue

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylink/cantdma/pkg/record"
)

func TestPushPopFIFOOrder(t *testing.T) {
	r := NewRing(4)
	for i := uint32(1); i <= 3; i++ {
		ok := r.Push(record.New(i, nil))
		assert.True(t, ok)
	}
	require.Equal(t, 3, r.Len())

	for i := uint32(1); i <= 3; i++ {
		rec, ok := r.TryPop()
		require.True(t, ok)
		assert.EqualValues(t, i, rec.ID)
	}
	assert.True(t, r.IsEmpty())
}

func TestPushOverwritesOldestWhenFull(t *testing.T) {
	const q = 32
	r := NewRing(q)
	for i := uint32(0); i < q+1; i++ {
		r.Push(record.New(i, nil))
	}
	assert.Equal(t, q, r.Len())
	assert.EqualValues(t, 1, r.Overwrites())

	// The first-pushed record (id=0) must be gone; the last q pushed
	// (ids 1..32) must be present in order.
	for i := uint32(1); i <= q; i++ {
		rec, ok := r.TryPop()
		require.True(t, ok)
		assert.EqualValues(t, i, rec.ID)
	}
	assert.True(t, r.IsEmpty())
}

func TestOverwritesMonotonic(t *testing.T) {
	r := NewRing(2)
	for i := uint32(0); i < 10; i++ {
		r.Push(record.New(i, nil))
	}
	first := r.Overwrites()
	r.Push(record.New(99, nil))
	assert.GreaterOrEqual(t, r.Overwrites(), first)
}

func TestTryPopOnEmpty(t *testing.T) {
	r := NewRing(4)
	_, ok := r.TryPop()
	assert.False(t, ok)
}

func TestLenNeverExceedsCapacity(t *testing.T) {
	r := NewRing(8)
	for i := uint32(0); i < 100; i++ {
		r.Push(record.New(i, nil))
		assert.LessOrEqual(t, r.Len(), r.Cap())
	}
}

// TestConcurrentPushPopUnderRace drives a real producer goroutine
// against a real consumer goroutine on a small ring, which forces
// frequent overwrite-on-full races on the exact slot both sides touch.
// It exists to be run with `go test -race`: the old plain Load/Store
// tail handling in Push and TryPop raced on that slot and on the tail
// index itself.
//
// Every pushed index ends up either popped or counted in Overwrites;
// none can be silently lost or duplicated, and whatever is popped must
// come out in increasing order, since overwrite only ever drops the
// oldest element.
func TestConcurrentPushPopUnderRace(t *testing.T) {
	const capacity = 8
	const totalPushes = 50000

	r := NewRing(capacity)
	var producerDone atomic.Bool

	go func() {
		for i := uint64(0); i < totalPushes; i++ {
			var data [8]byte
			binary.LittleEndian.PutUint64(data[:], i)
			r.Push(record.Record{DLC: 8, Data: data})
		}
		producerDone.Store(true)
	}()

	var popped []uint64
	for {
		rec, ok := r.TryPop()
		if ok {
			popped = append(popped, binary.LittleEndian.Uint64(rec.Data[:]))
			continue
		}
		if producerDone.Load() {
			rec, ok := r.TryPop()
			if !ok {
				break
			}
			popped = append(popped, binary.LittleEndian.Uint64(rec.Data[:]))
			continue
		}
		runtime.Gosched()
	}

	require.Equal(t, 0, r.Len())
	assert.Equal(t, uint64(totalPushes), uint64(len(popped))+r.Overwrites())

	for i := 1; i < len(popped); i++ {
		assert.Greater(t, popped[i], popped[i-1], "popped indices must stay in FIFO order")
	}
}
