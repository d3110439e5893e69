package nbt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrUnknownKind = errors.New("nbt: unknown tag kind")
	ErrTruncated   = errors.New("nbt: truncated document")
	ErrTooDeep     = errors.New("nbt: nesting too deep")
)

// MaxDepth bounds compound/list nesting while decoding.
const MaxDepth = 512

type decoder struct {
	b     []byte
	off   int
	order binary.ByteOrder
}

// Unmarshal decodes a little-endian document and returns the root name and
// compound. Trailing bytes after the root are an error.
func Unmarshal(data []byte) (string, Compound, error) {
	return UnmarshalOrder(binary.LittleEndian, data)
}

func UnmarshalOrder(order binary.ByteOrder, data []byte) (string, Compound, error) {
	d := &decoder{b: data, order: order}
	k, err := d.u8()
	if err != nil {
		return "", nil, err
	}
	if Kind(k) != KindCompound {
		return "", nil, fmt.Errorf("nbt: root is %s, want %s", Kind(k), KindCompound)
	}
	name, err := d.str()
	if err != nil {
		return "", nil, err
	}
	v, err := d.payload(KindCompound, 0)
	if err != nil {
		return "", nil, err
	}
	if d.off != len(d.b) {
		return "", nil, fmt.Errorf("nbt: %d trailing bytes", len(d.b)-d.off)
	}
	return name, v.(Compound), nil
}

// Decode reads at most limit bytes from r and decodes them. limit <= 0 means
// 256 MiB.
func Decode(r io.Reader, limit int64) (string, Compound, error) {
	if limit <= 0 {
		limit = 256 << 20
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(b)) > limit {
		return "", nil, fmt.Errorf("nbt: document exceeds %d bytes", limit)
	}
	return Unmarshal(b)
}

func (d *decoder) need(n int) ([]byte, error) {
	if n < 0 || len(d.b)-d.off < n {
		return nil, fmt.Errorf("%w at offset %d", ErrTruncated, d.off)
	}
	out := d.b[d.off : d.off+n]
	d.off += n
	return out, nil
}

func (d *decoder) u8() (byte, error) {
	b, err := d.need(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.need(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.need(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.need(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	b, err := d.need(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// length reads a signed 32-bit count and checks that at least min bytes per
// element remain, so corrupt counts cannot force huge allocations.
func (d *decoder) length(min int) (int, error) {
	u, err := d.u32()
	if err != nil {
		return 0, err
	}
	n := int32(u)
	if n < 0 {
		return 0, fmt.Errorf("nbt: negative length %d at offset %d", n, d.off-4)
	}
	if min > 0 && int64(n)*int64(min) > int64(len(d.b)-d.off) {
		return 0, fmt.Errorf("%w: length %d at offset %d", ErrTruncated, n, d.off-4)
	}
	return int(n), nil
}

func (d *decoder) payload(k Kind, depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	switch k {
	case KindByte:
		b, err := d.u8()
		return Byte(int8(b)), err
	case KindShort:
		v, err := d.u16()
		return Short(int16(v)), err
	case KindInt:
		v, err := d.u32()
		return Int(int32(v)), err
	case KindLong:
		v, err := d.u64()
		return Long(int64(v)), err
	case KindFloat:
		v, err := d.u32()
		return Float(math.Float32frombits(v)), err
	case KindDouble:
		v, err := d.u64()
		return Double(math.Float64frombits(v)), err
	case KindString:
		s, err := d.str()
		return String(s), err
	case KindByteArray:
		n, err := d.length(1)
		if err != nil {
			return nil, err
		}
		b, err := d.need(n)
		if err != nil {
			return nil, err
		}
		return ByteArray(append([]byte(nil), b...)), nil
	case KindIntArray:
		n, err := d.length(4)
		if err != nil {
			return nil, err
		}
		out := make(IntArray, n)
		for i := range out {
			v, _ := d.u32()
			out[i] = int32(v)
		}
		return out, nil
	case KindLongArray:
		n, err := d.length(8)
		if err != nil {
			return nil, err
		}
		out := make(LongArray, n)
		for i := range out {
			v, _ := d.u64()
			out[i] = int64(v)
		}
		return out, nil
	case KindList:
		ek, err := d.u8()
		if err != nil {
			return nil, err
		}
		elem := Kind(ek)
		if !elem.Valid() {
			return nil, fmt.Errorf("%w 0x%02X in list at offset %d", ErrUnknownKind, ek, d.off-1)
		}
		n, err := d.length(minPayload(elem))
		if err != nil {
			return nil, err
		}
		if elem == KindEnd && n > 0 {
			return nil, fmt.Errorf("%w: %d elements of %s", ErrListKindMismatch, n, elem)
		}
		items := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			v, err := d.payload(elem, depth+1)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return List{Elem: elem, Items: items}, nil
	case KindCompound:
		c := Compound{}
		for {
			tk, err := d.u8()
			if err != nil {
				return nil, err
			}
			kind := Kind(tk)
			if kind == KindEnd {
				return c, nil
			}
			if !kind.Valid() {
				return nil, fmt.Errorf("%w 0x%02X at offset %d", ErrUnknownKind, tk, d.off-1)
			}
			name, err := d.str()
			if err != nil {
				return nil, err
			}
			v, err := d.payload(kind, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			c = append(c, Tag{Name: name, Value: v})
		}
	default:
		return nil, fmt.Errorf("%w 0x%02X", ErrUnknownKind, byte(k))
	}
}

func minPayload(k Kind) int {
	switch k {
	case KindByte, KindCompound:
		return 1
	case KindShort, KindString:
		return 2
	case KindInt, KindFloat, KindByteArray, KindIntArray, KindLongArray:
		return 4
	case KindLong, KindDouble:
		return 8
	case KindList:
		return 5
	default:
		return 0
	}
}
