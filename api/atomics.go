// Package api defines the public contracts of atomic64.
package api

import (
	"context"

	"github.com/srediag/atomic64/pkg/atomic64"
	"github.com/srediag/atomic64/pkg/locktable"
	"github.com/srediag/atomic64/pkg/recovery"
)

// Atomics is the emulated 64-bit atomic operation set.
type Atomics interface {
	Store(c atomic64.Cell, value uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder)
	Load(c atomic64.Cell, tag atomic64.TypeTag, order atomic64.MemoryOrder) uint64
	Exchange(c atomic64.Cell, value uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder) uint64
	FetchAdd(c atomic64.Cell, operand uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder) uint64
	FetchSub(c atomic64.Cell, operand uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder) uint64
	FetchMax(c atomic64.Cell, operand uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder) uint64
	FetchMin(c atomic64.Cell, operand uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder) uint64
	FetchAnd(c atomic64.Cell, operand uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder) uint64
	FetchOr(c atomic64.Cell, operand uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder) uint64
	FetchXor(c atomic64.Cell, operand uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder) uint64
	CompareExchange(c atomic64.Cell, expected, desired uint64, tag atomic64.TypeTag, order atomic64.MemoryOrder) (uint64, bool)
}

// Recoverer returns a lock table to the unlocked state once it is idle.
type Recoverer interface {
	Recover(ctx context.Context, table *locktable.Table, busy recovery.BusyFunc) (cleared int, err error)
}

var (
	_ Atomics   = (*atomic64.Engine)(nil)
	_ Recoverer = (*recovery.Recoverer)(nil)
)
