package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

type DeviceTestSuite struct {
	suite.Suite
	ctx context.Context
}

func (s *DeviceTestSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *DeviceTestSuite) TestPreferredStorageFollowsTopology() {
	s.Equal(StoragePrivate, PreferredStorage(New(Config{Name: "discrete"})))
	s.Equal(StorageShared, PreferredStorage(New(Config{Name: "unified", UnifiedMemory: true})))
}

func (s *DeviceTestSuite) TestPrivateBufferIsNotHostVisible() {
	d := New(DefaultConfig())
	defer d.Close()
	b, err := d.NewBuffer(s.ctx, 128, StoragePrivate)
	s.Require().NoError(err)

	_, err = b.Contents()
	s.ErrorIs(err, ErrNotHostVisible)
	mem, err := b.Memory()
	s.Require().NoError(err)
	s.Len(mem, 128)
	for _, v := range mem {
		s.Zero(v)
	}
}

func (s *DeviceTestSuite) TestSharedBufferIsHostVisible() {
	d := New(Config{UnifiedMemory: true})
	defer d.Close()
	b, err := d.NewBuffer(s.ctx, 4096, StorageShared)
	if err != nil {
		s.T().Skipf("shared storage unavailable: %v", err)
	}
	host, err := b.Contents()
	s.Require().NoError(err)
	host[0] = 42
	mem, err := b.Memory()
	s.Require().NoError(err)
	s.Equal(byte(42), mem[0])
}

func (s *DeviceTestSuite) TestAddressesArePageAlignedAndDistinct() {
	d := New(DefaultConfig())
	defer d.Close()
	a, err := d.NewBuffer(s.ctx, 10, StoragePrivate)
	s.Require().NoError(err)
	b, err := d.NewBuffer(s.ctx, 1<<17, StoragePrivate)
	s.Require().NoError(err)
	c, err := d.NewBuffer(s.ctx, 10, StoragePrivate)
	s.Require().NoError(err)

	s.Zero(a.GPUAddress() % pageSize)
	s.Equal(a.GPUAddress()+pageSize, b.GPUAddress())
	s.Equal(b.GPUAddress()+2*pageSize, c.GPUAddress())
}

func (s *DeviceTestSuite) TestResolve() {
	d := New(DefaultConfig())
	defer d.Close()
	b, err := d.NewBuffer(s.ctx, 64, StoragePrivate)
	s.Require().NoError(err)

	view, err := d.Resolve(b.GPUAddress()+8, 8)
	s.Require().NoError(err)
	view[0] = 9
	mem, _ := b.Memory()
	s.Equal(byte(9), mem[8])

	_, err = d.Resolve(b.GPUAddress()+60, 8)
	s.ErrorIs(err, ErrUnmappedAddress)
	_, err = d.Resolve(0x10, 8)
	s.ErrorIs(err, ErrUnmappedAddress)

	s.Require().NoError(b.Release())
	_, err = d.Resolve(b.GPUAddress(), 8)
	s.ErrorIs(err, ErrUnmappedAddress)
	s.NoError(b.Release())
}

func (s *DeviceTestSuite) TestMemoryLimit() {
	d := New(Config{MemoryLimit: 1024})
	defer d.Close()
	b, err := d.NewBuffer(s.ctx, 1000, StoragePrivate)
	s.Require().NoError(err)
	_, err = d.NewBuffer(s.ctx, 100, StoragePrivate)
	s.ErrorIs(err, ErrOutOfMemory)
	s.Equal(int64(1000), d.AllocatedBytes())

	s.Require().NoError(b.Release())
	s.Zero(d.AllocatedBytes())
	_, err = d.NewBuffer(s.ctx, 100, StoragePrivate)
	s.NoError(err)

	_, err = d.NewBuffer(s.ctx, 0, StoragePrivate)
	s.ErrorIs(err, ErrInvalidLength)
}

func (s *DeviceTestSuite) TestFill() {
	d := New(DefaultConfig())
	defer d.Close()
	b, err := d.NewBuffer(s.ctx, 13, StoragePrivate)
	s.Require().NoError(err)
	s.Require().NoError(d.Fill(s.ctx, b, 0xAB))
	mem, _ := b.Memory()
	for _, v := range mem {
		s.Equal(byte(0xAB), v)
	}

	other := New(DefaultConfig())
	s.ErrorIs(other.Fill(s.ctx, b, 0), ErrForeignResource)
}

func TestDeviceTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceTestSuite))
}
