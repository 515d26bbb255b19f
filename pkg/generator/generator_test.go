package generator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v3"

	"github.com/srediag/atomic64/pkg/atomic64"
	"github.com/srediag/atomic64/pkg/device"
	"github.com/srediag/atomic64/pkg/fpemu"
	"github.com/srediag/atomic64/pkg/locktable"
)

type GeneratorTestSuite struct {
	suite.Suite
	ctx context.Context
	dev *device.Device
	fp  *fpemu.Library
	cfg *Config
}

func (s *GeneratorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.dev = device.New(device.DefaultConfig())
	s.fp = fpemu.Load(s.dev)
	s.cfg = DefaultConfig()
	s.cfg.LockTable.Slots = 1 << 10
}

func (s *GeneratorTestSuite) TearDownTest() {
	s.NoError(s.dev.Close())
}

func (s *GeneratorTestSuite) TestLibraryIsBoundToItsTable() {
	lib, table, err := Generate(s.ctx, s.dev, s.fp, s.cfg)
	s.Require().NoError(err)
	defer ReleasePair(lib, table)

	s.Equal(table.Address(), lib.LockTableAddress())
	s.Zero(table.Address()%uint64(s.cfg.LockTable.ByteSize()), "table base must be aligned to its size")
	s.Equal(device.StoragePrivate, table.Buffer().StorageMode())

	engine, err := lib.Engine()
	s.Require().NoError(err)
	s.Equal(table.Address(), engine.Table().Address())

	data, err := s.dev.NewBuffer(s.ctx, 64, device.StoragePrivate)
	s.Require().NoError(err)
	cell, err := atomic64.DeviceCell(data, 8)
	s.Require().NoError(err)

	var heldInOwnTable bool
	hooked, err := lib.Engine(atomic64.WithCriticalSectionHook(func(c atomic64.Cell) {
		heldInOwnTable = table.IsHeld(table.Index(c.Address()))
	}))
	s.Require().NoError(err)
	hooked.Store(cell, 7, atomic64.Int64, atomic64.Relaxed)
	s.True(heldInOwnTable)
	s.True(table.Clean())
	s.Equal(uint64(7), engine.Load(cell, atomic64.Int64, atomic64.Relaxed))
}

func (s *GeneratorTestSuite) TestEveryCallYieldsAnIndependentPair() {
	libA, tableA, err := Generate(s.ctx, s.dev, s.fp, s.cfg)
	s.Require().NoError(err)
	defer ReleasePair(libA, tableA)
	libB, tableB, err := Generate(s.ctx, s.dev, s.fp, s.cfg)
	s.Require().NoError(err)
	defer ReleasePair(libB, tableB)

	s.NotEqual(tableA.Address(), tableB.Address())
	s.Equal(tableA.Address(), libA.LockTableAddress())
	s.Equal(tableB.Address(), libB.LockTableAddress())
	s.NotEqual(libA.Image().Digest(), libB.Image().Digest())

	// A slot leaked in one table does not block the other library.
	slot := tableA.Index(0x1000)
	s.Require().True(tableA.TryAcquire(slot))
	engineB, err := libB.Engine()
	s.Require().NoError(err)
	scratch := atomic64.NewScratch(0, 0x2000)
	cell, err := scratch.Cell(0x1000)
	s.Require().NoError(err)
	s.Zero(engineB.FetchAdd(cell, 1, atomic64.Uint64, atomic64.Relaxed))
	tableA.Release(slot)
}

func (s *GeneratorTestSuite) TestUnifiedDeviceUsesSharedStorage() {
	dev := device.New(device.Config{Name: "unified", UnifiedMemory: true})
	defer dev.Close()
	lib, table, err := Generate(s.ctx, dev, fpemu.Load(dev), s.cfg)
	if err != nil {
		s.T().Skipf("shared storage unavailable: %v", err)
	}
	defer ReleasePair(lib, table)
	s.Equal(device.StorageShared, table.Buffer().StorageMode())
	_, err = table.Buffer().Contents()
	s.NoError(err)
}

func (s *GeneratorTestSuite) TestAllocationFailure() {
	dev := device.New(device.Config{Name: "small", MemoryLimit: int64(s.cfg.LockTable.ByteSize())})
	defer dev.Close()
	lib, table, err := Generate(s.ctx, dev, fpemu.Load(dev), s.cfg)
	s.ErrorIs(err, ErrAllocation)
	s.ErrorIs(err, device.ErrOutOfMemory)
	s.Nil(lib)
	s.Nil(table)
	s.Zero(dev.AllocatedBytes())
}

func (s *GeneratorTestSuite) TestFloatLibraryFromAnotherDevice() {
	other := device.New(device.Config{Name: "other"})
	defer other.Close()
	_, _, err := Generate(s.ctx, s.dev, fpemu.Load(other), s.cfg)
	s.ErrorIs(err, ErrDeviceMismatch)
	s.Zero(s.dev.AllocatedBytes())
}

func (s *GeneratorTestSuite) TestInvalidConfig() {
	s.cfg.LockTable.Slots = 1000
	_, _, err := Generate(s.ctx, s.dev, s.fp, s.cfg)
	s.Error(err)

	s.cfg = DefaultConfig()
	s.cfg.InstallName = "libatomic64.lib"
	_, _, err = Generate(s.ctx, s.dev, s.fp, s.cfg)
	s.Error(err)
}

func (s *GeneratorTestSuite) TestLibraryOutlivingItsTable() {
	lib, table, err := Generate(s.ctx, s.dev, s.fp, s.cfg)
	s.Require().NoError(err)
	s.Require().NoError(table.Release())

	_, err = lib.Engine()
	s.ErrorIs(err, ErrDanglingLockTable)

	s.NoError(ReleasePair(lib, table))
	_, err = lib.Engine()
	s.ErrorIs(err, ErrReleased)
}

func (s *GeneratorTestSuite) TestSymbolsAndLinkage() {
	lib, table, err := Generate(s.ctx, s.dev, s.fp, s.cfg)
	s.Require().NoError(err)
	defer ReleasePair(lib, table)

	for _, name := range []string{
		"__atomic64_store", "__atomic64_load", "__atomic64_exchange",
		"__atomic64_fetch_add", "__atomic64_fetch_sub", "__atomic64_fetch_max",
		"__atomic64_fetch_min", "__atomic64_fetch_and", "__atomic64_fetch_or",
		"__atomic64_fetch_xor", "__atomic64_compare_exchange",
	} {
		s.Contains(lib.Symbols(), name)
	}
	s.Equal(lib.Symbols(), lib.Functions())
	s.ElementsMatch([]string{
		"increment",
		"add_f64", "add_f59", "add_f43",
		"sub_f64", "sub_f59", "sub_f43",
		"max_f64", "max_f59", "max_f43",
		"min_f64", "min_f59", "min_f43",
		"cmp_f64", "cmp_f59", "cmp_f43",
	}, lib.Image().Externs())
	s.Subset(s.fp.Symbols(), lib.Image().Externs())
	s.Equal([]string{fpemu.DefaultInstallName}, lib.Image().Dependencies())
	s.Equal(device.OptimizeSize, lib.Image().Optimization())
	s.Equal(DefaultInstallName, lib.InstallName())
}

func (s *GeneratorTestSuite) TestSourceDispatchesOnTypeAndSpace() {
	src := renderSource()
	for _, op := range []string{"add", "sub", "max", "min"} {
		s.Contains(src, "*object = apply_"+op+"(result, operand, type);")
	}
	s.Contains(src, "bool result = apply_equal(*object, *expected, type);")
	s.Contains(src, "case i64: return ulong(max(long(previous), long(operand)));")
	s.Contains(src, "EXPORT ulong __atomic64_fetch_add(threadgroup ulong* object, uint workgroup, ulong operand, __atomic64_type_id type) {")
	s.Contains(src, "device atomic_uint* lock = get_lock(object, workgroup);")
	s.Contains(src, "(workgroup * 0x9E3779B1u)")
	s.Contains(src, "EXPORT ulong __atomic64_fetch_add(device ulong* object, ulong operand, __atomic64_type_id type) {")
}

func (s *GeneratorTestSuite) TestSourceRefusesToCompileUnbound() {
	_, err := s.dev.Compile(s.ctx, renderSource(), device.CompileOptions{
		Libraries:   []device.DynamicLibrary{s.fp},
		InstallName: DefaultInstallName,
	})
	s.ErrorIs(err, device.ErrCompile)
}

func (s *GeneratorTestSuite) TestSerializeAndInstall() {
	lib, table, err := Generate(s.ctx, s.dev, s.fp, s.cfg)
	s.Require().NoError(err)
	defer ReleasePair(lib, table)

	var out bytes.Buffer
	s.Require().NoError(lib.Serialize(&out))
	var m device.Manifest
	s.Require().NoError(yaml.Unmarshal(out.Bytes(), &m))
	s.Equal(DefaultInstallName, m.InstallName)
	s.Equal(table.Address(), m.Macros[MacroLockTableAddress])
	s.Equal(uint64(s.cfg.LockTable.Slots-1), m.Macros[MacroLockTableMask])

	dir := s.T().TempDir()
	s.Require().NoError(func() error { _, err := s.fp.Install(dir); return err }())
	path, err := lib.Install(dir)
	s.Require().NoError(err)
	s.Equal(filepath.Join(dir, "libatomic64.lib"), path)
	_, err = os.Stat(filepath.Join(dir, "libfloat64emu.lib"))
	s.NoError(err)

	installed, err := device.ReadManifest(path)
	s.Require().NoError(err)
	s.Equal(m, installed)
}

func (s *GeneratorTestSuite) TestReleasePairFreesMemory() {
	lib, table, err := Generate(s.ctx, s.dev, s.fp, s.cfg)
	s.Require().NoError(err)
	s.Equal(int64(s.cfg.LockTable.AllocationSize()), s.dev.AllocatedBytes())
	s.NoError(ReleasePair(lib, table))
	s.Zero(s.dev.AllocatedBytes())
	s.True(lib.Released())
}

func TestGeneratorTestSuite(t *testing.T) {
	suite.Run(t, new(GeneratorTestSuite))
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := VerifyConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.LockTable != locktable.DefaultConfig() {
		t.Fatal("default lock table layout changed")
	}
}
