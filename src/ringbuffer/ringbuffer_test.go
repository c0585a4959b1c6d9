package ringbuffer

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullEmptyParity(t *testing.T) {
	r := New(8, 2)

	assert.True(t, r.isEmpty())
	assert.False(t, r.isFull())

	r.ProducerRequest()
	r.ProducerRelease()
	r.ProducerRequest()
	r.ProducerRelease()

	// cursors coincide again, parities differ
	assert.True(t, r.isFull())
	assert.False(t, r.isEmpty())

	r.ConsumerRequest()
	r.ConsumerRelease()
	r.ConsumerRequest()
	r.ConsumerRelease()

	assert.True(t, r.isEmpty())
}

// Bytes released by the producer arrive at the consumer in FIFO order and
// no slot is reused before the consumer releases it.
func TestRoundTripFIFO(t *testing.T) {
	const blocks = 1000

	r := New(8, 4)

	go func() {
		for i := uint64(0); i < blocks; i++ {
			slot := r.ProducerRequest()
			if slot == nil {
				return
			}
			binary.LittleEndian.PutUint64(slot, i)
			r.ProducerRelease()
		}
		r.Finish()
	}()

	for i := uint64(0); i < blocks; i++ {
		slot := r.ConsumerRequest()
		require.NotNil(t, slot)
		require.Equal(t, i, binary.LittleEndian.Uint64(slot))
		r.ConsumerRelease()
	}

	assert.Nil(t, r.ConsumerRequest())
}

func TestFinishUnblocksProducer(t *testing.T) {
	r := New(4, 1)

	r.ProducerRequest()
	r.ProducerRelease()

	done := make(chan []byte, 1)
	go func() {
		// buffer is full: blocks until Finish
		done <- r.ProducerRequest()
	}()

	select {
	case <-done:
		t.Fatal("producer proceeded on a full buffer")
	case <-time.After(10 * time.Millisecond):
	}

	r.Finish()

	select {
	case slot := <-done:
		assert.Nil(t, slot)
	case <-time.After(5 * time.Second):
		t.Fatal("producer not unblocked by Finish")
	}
}

func TestConsumerDrainsAfterFinish(t *testing.T) {
	r := New(4, 2)

	slot := r.ProducerRequest()
	copy(slot, "data")
	r.ProducerRelease()

	r.Finish()

	got := r.ConsumerRequest()
	require.NotNil(t, got)
	assert.Equal(t, []byte("data"), got[:4])
	r.ConsumerRelease()

	assert.Nil(t, r.ConsumerRequest())
}

func TestFinishUnblocksConsumer(t *testing.T) {
	r := New(4, 1)

	done := make(chan []byte, 1)
	go func() {
		done <- r.ConsumerRequest()
	}()

	r.Finish()

	select {
	case slot := <-done:
		assert.Nil(t, slot)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer not unblocked by Finish")
	}
}
