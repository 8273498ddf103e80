package buffer

import (
	"encoding/binary"
	"slices"
)

// Number is the set of fixed-width numeric element types.
type Number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

// Fixed is the set of element types the slice and map helpers accept.
type Fixed interface {
	Number | ~bool
}

func writeValue[T Fixed](b *ByteBuffer, v T) {
	p, err := binary.Append(nil, order, v)
	if err != nil {
		return
	}
	b.Write(p)
}

func readValue[T Fixed](b *ByteBuffer) T {
	var v T
	p := b.next(binary.Size(v))
	if p == nil {
		return v
	}
	_, _ = binary.Decode(p, order, &v)
	return v
}

// WriteValues writes every element of vs back to back and returns len(vs).
func WriteValues[T Fixed](b *ByteBuffer, vs []T) int {
	for _, v := range vs {
		writeValue(b, v)
	}
	return len(vs)
}

// ReadValues reads n elements. Elements past the end of the data are zero.
func ReadValues[T Fixed](b *ByteBuffer, n int) []T {
	out := make([]T, 0, max(n, 0))
	for i := 0; i < n; i++ {
		out = append(out, readValue[T](b))
	}
	return out
}

// WriteMap writes key/value pairs in ascending key order and returns len(m).
func WriteMap[K Number, V Fixed](b *ByteBuffer, m map[K]V) int {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		writeValue(b, k)
		writeValue(b, m[k])
	}
	return len(m)
}

// ReadMap reads n key/value pairs.
func ReadMap[K Number, V Fixed](b *ByteBuffer, n int) map[K]V {
	m := make(map[K]V, max(n, 0))
	for i := 0; i < n; i++ {
		k := readValue[K](b)
		m[k] = readValue[V](b)
	}
	return m
}
