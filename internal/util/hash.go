// Package util contains internal helpers (hashing).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hash64 hashes common key types using xxHash.
// Supported: string, []byte, all int/uint widths, uintptr, bool,
// fmt.Stringer. Other key types fall back to their %#v rendering,
// which is slower but works for any printable type.
func Hash64[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return xxhash.Sum64String(v)
	case []byte:
		return xxhash.Sum64(v)

	// Integer-like keys: hash little-endian bytes of the value.
	case uint8:
		return sum64Uint(uint64(v))
	case uint16:
		return sum64Uint(uint64(v))
	case uint32:
		return sum64Uint(uint64(v))
	case uint64:
		return sum64Uint(v)
	case uint:
		return sum64Uint(uint64(v))
	case uintptr:
		return sum64Uint(uint64(v))
	case int8:
		return sum64Uint(uint64(uint8(v)))
	case int16:
		return sum64Uint(uint64(uint16(v)))
	case int32:
		return sum64Uint(uint64(uint32(v)))
	case int64:
		return sum64Uint(uint64(v))
	case int:
		return sum64Uint(uint64(v))

	case bool:
		if v {
			return sum64Uint(1)
		}
		return sum64Uint(0)

	case fmt.Stringer:
		return xxhash.Sum64String(v.String())
	default:
		return xxhash.Sum64String(fmt.Sprintf("%#v", k))
	}
}

func sum64Uint(u uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	return xxhash.Sum64(b[:])
}
