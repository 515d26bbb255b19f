package fpemu

import (
	"errors"
	"math"

	"github.com/srediag/atomic64/pkg/device"
)

// DefaultInstallName is where loaders find the library.
const DefaultInstallName = device.LoaderPathPrefix + "libfloat64emu.lib"

// ErrUnknownFormat is returned for an encoding outside Float64, Float59, Float43.
var ErrUnknownFormat = errors.New("fpemu: unknown format")

var symbols = []string{
	"increment",
	"add_f64", "add_f59", "add_f43",
	"sub_f64", "sub_f59", "sub_f43",
	"max_f64", "max_f59", "max_f43",
	"min_f64", "min_f59", "min_f43",
	"cmp_f64", "cmp_f59", "cmp_f43",
}

// Library is the floating-point emulation library loaded on a device.
// It has no knowledge of the atomics library that links against it.
type Library struct {
	dev         *device.Device
	installName string
}

// Load makes the library available on dev.
func Load(dev *device.Device) *Library {
	return &Library{dev: dev, installName: DefaultInstallName}
}

func (l *Library) Device() *device.Device { return l.dev }

func (l *Library) InstallName() string { return l.installName }

func (l *Library) Symbols() []string { return append([]string(nil), symbols...) }

// Install writes the library's manifest into dir, the directory dependent
// libraries are co-located in.
func (l *Library) Install(dir string) (string, error) {
	return device.InstallManifest(dir, l)
}

// Increment returns x+1.
func (l *Library) Increment(x uint32) uint32 {
	return x + 1
}

func binary(f Format, a, b uint64, op func(x, y float64) float64) uint64 {
	if !f.Valid() {
		panic(ErrUnknownFormat)
	}
	return FromFloat64(f, op(ToFloat64(f, a), ToFloat64(f, b)))
}

// Add returns a+b in f.
func (l *Library) Add(f Format, a, b uint64) uint64 {
	return binary(f, a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns a-b in f.
func (l *Library) Sub(f Format, a, b uint64) uint64 {
	return binary(f, a, b, func(x, y float64) float64 { return x - y })
}

// Max returns the larger of a and b. NaN propagates.
func (l *Library) Max(f Format, a, b uint64) uint64 {
	return binary(f, a, b, math.Max)
}

// Min returns the smaller of a and b. NaN propagates.
func (l *Library) Min(f Format, a, b uint64) uint64 {
	return binary(f, a, b, math.Min)
}

// Equal compares a and b numerically: +0 equals -0 and NaN equals nothing.
func (l *Library) Equal(f Format, a, b uint64) bool {
	if !f.Valid() {
		panic(ErrUnknownFormat)
	}
	return ToFloat64(f, a) == ToFloat64(f, b)
}
