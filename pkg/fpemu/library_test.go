package fpemu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/atomic64/pkg/device"
)

func TestRoundDropsLowBits(t *testing.T) {
	one := math.Float64bits(1)
	assert.Equal(t, one, Round(Float59, one))
	assert.Equal(t, one, Round(Float43, one))

	// 1 + 2^-52 is not representable with 47 or 31 fraction bits
	tiny := one | 1
	assert.Equal(t, one, Round(Float59, tiny))
	assert.Equal(t, one, Round(Float43, tiny))
	assert.Equal(t, tiny, Round(Float64, tiny))

	// ties go to even
	halfUp := one | 1<<4
	assert.Equal(t, one, Round(Float59, halfUp))
	oddHalf := one | 1<<5 | 1<<4
	assert.Equal(t, one|1<<6, Round(Float59, oddHalf))

	for _, f := range []Format{Float59, Float43} {
		v := FromFloat64(f, math.Pi)
		assert.Zero(t, v&(1<<f.droppedBits()-1), f.String())
		assert.InDelta(t, math.Pi, ToFloat64(f, v), math.Ldexp(1, -int(52-f.droppedBits())+2))
	}
}

func TestRoundSpecials(t *testing.T) {
	inf := math.Float64bits(math.Inf(1))
	assert.Equal(t, inf, Round(Float43, inf))
	nan := Round(Float43, math.Float64bits(math.NaN())|1)
	assert.True(t, math.IsNaN(ToFloat64(Float43, nan)))

	maxVal := math.Float64bits(math.MaxFloat64)
	assert.True(t, math.IsInf(ToFloat64(Float59, Round(Float59, maxVal)), 1))
}

func TestArithmetic(t *testing.T) {
	lib := Load(device.New(device.DefaultConfig()))
	for _, f := range []Format{Float64, Float59, Float43} {
		a, b := FromFloat64(f, 1.5), FromFloat64(f, 2.25)
		assert.Equal(t, 3.75, ToFloat64(f, lib.Add(f, a, b)), f.String())
		assert.Equal(t, -0.75, ToFloat64(f, lib.Sub(f, a, b)), f.String())
		assert.Equal(t, 2.25, ToFloat64(f, lib.Max(f, a, b)), f.String())
		assert.Equal(t, 1.5, ToFloat64(f, lib.Min(f, a, b)), f.String())
		assert.True(t, lib.Equal(f, FromFloat64(f, 0), FromFloat64(f, math.Copysign(0, -1))))
	}
	assert.Equal(t, uint32(2), lib.Increment(1))
	assert.Panics(t, func() { lib.Add(Format(9), 0, 0) })
}

func TestInstall(t *testing.T) {
	dev := device.New(device.Config{Name: "fp-dev"})
	lib := Load(dev)
	path, err := lib.Install(t.TempDir())
	require.NoError(t, err)
	m, err := device.ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultInstallName, m.InstallName)
	assert.Contains(t, m.Symbols, "increment")
	assert.Contains(t, m.Symbols, "add_f43")
}
