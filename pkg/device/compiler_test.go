package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLibrary struct {
	dev     *Device
	name    string
	symbols []string
}

func (l stubLibrary) Device() *Device     { return l.dev }
func (l stubLibrary) InstallName() string { return l.name }
func (l stubLibrary) Symbols() []string   { return l.symbols }

const testSource = `
#define EXPORT
#ifndef TABLE_ADDRESS
#error TABLE_ADDRESS must be defined
#endif

extern uint increment(uint x);

#if defined(WITH_EXTRA)
EXPORT void extra(device ulong* object);
#else
EXPORT ulong fetch_add(device ulong* object, ulong operand) {
}
#endif
EXPORT void store(device ulong* object, ulong desired) {
}
`

func TestCompileLinksAndExports(t *testing.T) {
	d := New(DefaultConfig())
	lib := stubLibrary{dev: d, name: "libfp", symbols: []string{"increment"}}
	img, err := d.Compile(context.Background(), testSource, CompileOptions{
		Libraries:    []DynamicLibrary{lib},
		Macros:       map[string]uint64{"TABLE_ADDRESS": 0x1_0001_0000},
		Optimization: OptimizeSize,
		InstallName:  "@loader_path/libtest",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch_add", "store"}, img.Symbols())
	assert.Equal(t, []string{"increment"}, img.Externs())
	assert.Equal(t, []string{"libfp"}, img.Dependencies())
	v, ok := img.Macro("TABLE_ADDRESS")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1_0001_0000), v)
	assert.Len(t, img.Digest(), 32)
	assert.Equal(t, OptimizeSize, img.Optimization())
}

func TestCompileErrors(t *testing.T) {
	d := New(DefaultConfig())
	ctx := context.Background()

	_, err := d.Compile(ctx, testSource, CompileOptions{
		Libraries: []DynamicLibrary{stubLibrary{dev: d, symbols: []string{"increment"}}},
	})
	assert.ErrorIs(t, err, ErrCompile)

	_, err = d.Compile(ctx, testSource, CompileOptions{Macros: map[string]uint64{"TABLE_ADDRESS": 1}})
	assert.ErrorIs(t, err, ErrLink)

	_, err = d.Compile(ctx, testSource, CompileOptions{
		Macros:    map[string]uint64{"TABLE_ADDRESS": 1},
		Libraries: []DynamicLibrary{stubLibrary{dev: New(DefaultConfig()), symbols: []string{"increment"}}},
	})
	assert.ErrorIs(t, err, ErrForeignResource)

	_, err = d.Compile(ctx, "#ifdef X\n", CompileOptions{})
	assert.ErrorIs(t, err, ErrCompile)
	_, err = d.Compile(ctx, "#endif\n", CompileOptions{})
	assert.ErrorIs(t, err, ErrCompile)
}
