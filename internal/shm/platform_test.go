package shm

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRegionZeroed(t *testing.T) {
	ctx := context.Background()
	name := fmt.Sprintf("atomic64-test-%d", os.Getpid())
	region, err := MapRegion(ctx, MapOptions{Name: name, Size: 1 << 12, Create: true, Unlink: true})
	if err != nil {
		t.Skipf("shared memory not available: %v", err)
	}
	defer func() {
		assert.NoError(t, UnmapRegion(ctx, region))
	}()

	require.Len(t, region.Addr, 1<<12)
	assert.True(t, Aligned(region.Addr, 8))
	for _, b := range region.Addr {
		require.Zero(t, b)
	}
	assert.Empty(t, region.Path)
}

func TestUnmapNilRegion(t *testing.T) {
	assert.NoError(t, UnmapRegion(context.Background(), nil))
}
