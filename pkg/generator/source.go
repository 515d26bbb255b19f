package generator

import (
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// Macros baked into a generated library.
const (
	MacroLockTableAddress = "ATOMIC64_LOCK_TABLE_ADDRESS"
	MacroLockTableMask    = "ATOMIC64_LOCK_TABLE_MASK"
	MacroLockTableXor     = "ATOMIC64_LOCK_TABLE_XOR"
)

const sourcePrelude = `// atomic64 entry points. Generated per lock table; do not reuse.
#include <metal_stdlib>
using namespace metal;

// Symbols compiled at runtime are all exported.
#define EXPORT
#define INTERNAL_INLINE static __attribute__((__always_inline__))

`

const sourceGuards = `#ifndef ` + MacroLockTableAddress + `
#error ` + MacroLockTableAddress + ` must be defined by the generator
#endif
#ifndef ` + MacroLockTableMask + `
#error ` + MacroLockTableMask + ` must be defined by the generator
#endif
#ifndef ` + MacroLockTableXor + `
#error ` + MacroLockTableXor + ` must be defined by the generator
#endif

static constant size_t lock_table_address = ` + MacroLockTableAddress + `;

`

const sourceLocks = `enum __atomic64_type_id: ushort {
  i64 = 0,
  u64 = 1,
  f64 = 2,
  f59 = 3,
  f43 = 4
};

namespace float64emu
{
extern uint increment(uint x);
extern ulong add_f64(ulong a, ulong b);
extern ulong add_f59(ulong a, ulong b);
extern ulong add_f43(ulong a, ulong b);
extern ulong sub_f64(ulong a, ulong b);
extern ulong sub_f59(ulong a, ulong b);
extern ulong sub_f43(ulong a, ulong b);
extern ulong max_f64(ulong a, ulong b);
extern ulong max_f59(ulong a, ulong b);
extern ulong max_f43(ulong a, ulong b);
extern ulong min_f64(ulong a, ulong b);
extern ulong min_f59(ulong a, ulong b);
extern ulong min_f43(ulong a, ulong b);
// Numeric equality: -0 equals +0, NaN equals nothing.
extern bool cmp_f64(ulong a, ulong b);
extern bool cmp_f59(ulong a, ulong b);
extern bool cmp_f43(ulong a, ulong b);
} // namespace float64emu

// Cells are 8-byte aligned, so the low three address bits are dropped.
INTERNAL_INLINE device atomic_uint* lock_at(uint slot) {
  slot = (slot & ` + MacroLockTableMask + `) ^ ` + MacroLockTableXor + `;
  return (device atomic_uint*)(lock_table_address | (slot << 2));
}

INTERNAL_INLINE device atomic_uint* get_lock(device ulong* object) {
  return lock_at(uint(ulong(object) >> 3));
}

// Scratch offsets repeat in every workgroup, so the workgroup id is mixed in.
INTERNAL_INLINE device atomic_uint* get_lock(threadgroup ulong* object, uint workgroup) {
  return lock_at(uint(ulong(object) >> 3) ^ (workgroup * 0x9E3779B1u));
}

INTERNAL_INLINE void acquire_lock(device atomic_uint* lock) {
  while (atomic_exchange_explicit(lock, 1, memory_order_relaxed) != 0) {
  }
}

INTERNAL_INLINE void release_lock(device atomic_uint* lock) {
  atomic_store_explicit(lock, 0, memory_order_relaxed);
}

INTERNAL_INLINE ulong apply_add(ulong previous, ulong operand, __atomic64_type_id type) {
  switch (type) {
    case f64: return float64emu::add_f64(previous, operand);
    case f59: return float64emu::add_f59(previous, operand);
    case f43: return float64emu::add_f43(previous, operand);
    default: return previous + operand;
  }
}

INTERNAL_INLINE ulong apply_sub(ulong previous, ulong operand, __atomic64_type_id type) {
  switch (type) {
    case f64: return float64emu::sub_f64(previous, operand);
    case f59: return float64emu::sub_f59(previous, operand);
    case f43: return float64emu::sub_f43(previous, operand);
    default: return previous - operand;
  }
}

INTERNAL_INLINE ulong apply_max(ulong previous, ulong operand, __atomic64_type_id type) {
  switch (type) {
    case i64: return ulong(max(long(previous), long(operand)));
    case f64: return float64emu::max_f64(previous, operand);
    case f59: return float64emu::max_f59(previous, operand);
    case f43: return float64emu::max_f43(previous, operand);
    default: return max(previous, operand);
  }
}

INTERNAL_INLINE ulong apply_min(ulong previous, ulong operand, __atomic64_type_id type) {
  switch (type) {
    case i64: return ulong(min(long(previous), long(operand)));
    case f64: return float64emu::min_f64(previous, operand);
    case f59: return float64emu::min_f59(previous, operand);
    case f43: return float64emu::min_f43(previous, operand);
    default: return min(previous, operand);
  }
}

INTERNAL_INLINE bool apply_equal(ulong a, ulong b, __atomic64_type_id type) {
  switch (type) {
    case f64: return float64emu::cmp_f64(a, b);
    case f59: return float64emu::cmp_f59(a, b);
    case f43: return float64emu::cmp_f43(a, b);
    default: return a == b;
  }
}
`

// entryPoints lists the exported functions. Each is emitted once per
// address space; body runs with the slot held and leaves its return value,
// if any, in result.
var entryPoints = []struct {
	name   string
	ret    string
	params string
	body   string
}{
	{"store", "void", "ulong desired", "  *object = desired;\n"},
	{"load", "ulong", "", "  ulong result = *object;\n"},
	{"exchange", "ulong", "ulong desired", "  ulong result = *object;\n  *object = desired;\n"},
	{"fetch_add", "ulong", "ulong operand, __atomic64_type_id type", "  ulong result = *object;\n  *object = apply_add(result, operand, type);\n"},
	{"fetch_sub", "ulong", "ulong operand, __atomic64_type_id type", "  ulong result = *object;\n  *object = apply_sub(result, operand, type);\n"},
	{"fetch_max", "ulong", "ulong operand, __atomic64_type_id type", "  ulong result = *object;\n  *object = apply_max(result, operand, type);\n"},
	{"fetch_min", "ulong", "ulong operand, __atomic64_type_id type", "  ulong result = *object;\n  *object = apply_min(result, operand, type);\n"},
	{"fetch_and", "ulong", "ulong operand", "  ulong result = *object;\n  *object = result & operand;\n"},
	{"fetch_or", "ulong", "ulong operand", "  ulong result = *object;\n  *object = result | operand;\n"},
	{"fetch_xor", "ulong", "ulong operand", "  ulong result = *object;\n  *object = result ^ operand;\n"},
	{"compare_exchange", "bool", "thread ulong* expected, ulong desired, __atomic64_type_id type", "  bool result = apply_equal(*object, *expected, type);\n  *expected = *object;\n  if (result) {\n    *object = desired;\n  }\n"},
}

// renderSource produces the kernel source compiled for one lock table.
func renderSource() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.WriteString(sourcePrelude)
	_, _ = buf.WriteString(sourceGuards)
	_, _ = buf.WriteString(sourceLocks)
	for _, ep := range entryPoints {
		for _, space := range []string{"device", "threadgroup"} {
			params, lock := space+" ulong* object", "get_lock(object)"
			if space == "threadgroup" {
				params += ", uint workgroup"
				lock = "get_lock(object, workgroup)"
			}
			if ep.params != "" {
				params += ", " + ep.params
			}
			fmt.Fprintf(buf, "EXPORT %s __atomic64_%s(%s) {\n", ep.ret, ep.name, params)
			fmt.Fprintf(buf, "  device atomic_uint* lock = %s;\n", lock)
			_, _ = buf.WriteString("  acquire_lock(lock);\n")
			_, _ = buf.WriteString(ep.body)
			_, _ = buf.WriteString("  release_lock(lock);\n")
			if ep.ret != "void" {
				_, _ = buf.WriteString("  return result;\n")
			}
			_, _ = buf.WriteString("}\n\n")
		}
	}
	return buf.String()
}
