package i2c_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gregoryjjb/verdant/i2c"
)

type recordingBus struct {
	mu      sync.Mutex
	active  int32
	overlap bool
	writes  []uint16
}

func (b *recordingBus) Tx(addr uint16, w, r []byte) error {
	if atomic.AddInt32(&b.active, 1) > 1 {
		b.overlap = true
	}
	time.Sleep(time.Millisecond)
	b.mu.Lock()
	b.writes = append(b.writes, addr)
	b.mu.Unlock()
	atomic.AddInt32(&b.active, -1)
	return nil
}

func TestRegistrySharesBus(t *testing.T) {
	opened := 0
	reg := i2c.NewRegistry(func(id int) (i2c.Bus, error) {
		opened++
		return &recordingBus{}, nil
	})

	a, err := reg.Get(1)
	require.NoError(t, err)
	b, err := reg.Get(1)
	require.NoError(t, err)
	c, err := reg.Get(2)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, opened)
}

func TestRegistryOpenError(t *testing.T) {
	reg := i2c.NewRegistry(func(id int) (i2c.Bus, error) {
		return nil, errors.New("no such bus")
	})
	_, err := reg.Get(7)
	assert.ErrorContains(t, err, "open i2c bus 7")
}

func TestDeviceSerializesAndSelectsMux(t *testing.T) {
	bus := &recordingBus{}
	locked := i2c.NewLocked(1, bus)
	mux := uint16(0x77)

	devs := []*i2c.Device{
		{Bus: locked, Addr: 0x44, Mux: &mux, Channel: 2},
		{Bus: locked, Addr: 0x45},
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, d := range devs {
			wg.Add(1)
			go func(d *i2c.Device) {
				defer wg.Done()
				_ = d.Do(func(tx i2c.TxFunc) error {
					return tx([]byte{0xFD}, nil)
				})
			}(d)
		}
	}
	wg.Wait()

	assert.False(t, bus.overlap)
	assert.Len(t, bus.writes, 30)

	// every transaction to 0x44 is directly preceded by a mux select
	for i, addr := range bus.writes {
		if addr == 0x44 {
			require.Greater(t, i, 0)
			assert.Equal(t, uint16(0x77), bus.writes[i-1])
		}
	}
}
