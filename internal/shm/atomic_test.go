package shm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordViews(t *testing.T) {
	mem := Bytes64(make([]uint64, 4))
	require.Len(t, mem, 32)
	assert.True(t, Aligned(mem, 8))

	words := Words32(mem)
	require.Len(t, words, 8)
	words[3] = 0xdeadbeef
	assert.Equal(t, uint32(0xdeadbeef), AtomicLoadUint32(&words[3]))
	assert.Nil(t, Words32(mem[:3]))
}

func TestAtomicSwapExclusive(t *testing.T) {
	words := Words32(Bytes64(make([]uint64, 1)))
	lock := &words[0]

	var (
		wg      sync.WaitGroup
		winners int
		mu      sync.Mutex
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if AtomicSwapUint32(lock, 1) == 0 {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	AtomicStoreUint32(lock, 0)
	assert.Equal(t, uint32(0), AtomicLoadUint32(lock))
}
