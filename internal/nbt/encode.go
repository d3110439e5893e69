package nbt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	ErrStringTooLong    = errors.New("nbt: string longer than 65535 bytes")
	ErrListKindMismatch = errors.New("nbt: list element kind mismatch")
	ErrListLength       = errors.New("nbt: list length mismatch")
	ErrUnbalanced       = errors.New("nbt: unbalanced document")
	ErrNilValue         = errors.New("nbt: nil value")
)

type frame struct {
	kind      Kind // KindCompound or KindList
	elem      Kind
	remaining int
}

// Encoder appends a document to an in-memory buffer. It can be driven
// incrementally (BeginCompound/BeginList/.../End*) for large payloads, or fed
// whole subtrees through Value. The first error is sticky; later calls are
// no-ops and Bytes reports it.
type Encoder struct {
	buf   []byte
	order binary.AppendByteOrder
	stack []frame
	root  bool
	err   error
}

// NewEncoder returns an encoder using the given byte order. Structure files use
// binary.LittleEndian.
func NewEncoder(order binary.AppendByteOrder) *Encoder {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Encoder{order: order}
}

// Grow reserves room for at least n more bytes.
func (e *Encoder) Grow(n int) {
	if n <= 0 || cap(e.buf)-len(e.buf) >= n {
		return
	}
	nb := make([]byte, len(e.buf), len(e.buf)+n)
	copy(nb, e.buf)
	e.buf = nb
}

func (e *Encoder) Err() error { return e.err }

func (e *Encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// header writes what precedes a payload in the current context: kind and name
// inside a compound, nothing inside a list.
func (e *Encoder) header(kind Kind, name string) {
	if e.err != nil {
		return
	}
	if len(e.stack) == 0 {
		if e.root || kind != KindCompound {
			e.fail(fmt.Errorf("%w: document must be a single root compound", ErrUnbalanced))
			return
		}
		e.root = true
		e.buf = append(e.buf, byte(kind))
		e.appendString(name)
		return
	}
	top := &e.stack[len(e.stack)-1]
	switch top.kind {
	case KindCompound:
		e.buf = append(e.buf, byte(kind))
		e.appendString(name)
	case KindList:
		if kind != top.elem {
			e.fail(fmt.Errorf("%w: got %s in list of %s", ErrListKindMismatch, kind, top.elem))
			return
		}
		if top.remaining <= 0 {
			e.fail(fmt.Errorf("%w: too many elements", ErrListLength))
			return
		}
		top.remaining--
	}
}

func (e *Encoder) appendString(s string) {
	if len(s) > math.MaxUint16 {
		e.fail(fmt.Errorf("%w: %d", ErrStringTooLong, len(s)))
		return
	}
	e.buf = e.order.AppendUint16(e.buf, uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) BeginCompound(name string) {
	e.header(KindCompound, name)
	if e.err != nil {
		return
	}
	e.stack = append(e.stack, frame{kind: KindCompound})
}

func (e *Encoder) EndCompound() {
	if e.err != nil {
		return
	}
	if len(e.stack) == 0 || e.stack[len(e.stack)-1].kind != KindCompound {
		e.fail(fmt.Errorf("%w: EndCompound outside compound", ErrUnbalanced))
		return
	}
	e.buf = append(e.buf, byte(KindEnd))
	e.stack = e.stack[:len(e.stack)-1]
}

// BeginList opens a list that must receive exactly n elements of kind elem.
func (e *Encoder) BeginList(name string, elem Kind, n int) {
	e.header(KindList, name)
	if e.err != nil {
		return
	}
	if n < 0 || n > math.MaxInt32 {
		e.fail(fmt.Errorf("%w: %d elements", ErrListLength, n))
		return
	}
	if !elem.Valid() || (elem == KindEnd && n > 0) {
		e.fail(fmt.Errorf("%w: element kind %s", ErrListKindMismatch, elem))
		return
	}
	e.buf = append(e.buf, byte(elem))
	e.buf = e.order.AppendUint32(e.buf, uint32(n))
	e.stack = append(e.stack, frame{kind: KindList, elem: elem, remaining: n})
}

func (e *Encoder) EndList() {
	if e.err != nil {
		return
	}
	if len(e.stack) == 0 || e.stack[len(e.stack)-1].kind != KindList {
		e.fail(fmt.Errorf("%w: EndList outside list", ErrUnbalanced))
		return
	}
	if r := e.stack[len(e.stack)-1].remaining; r != 0 {
		e.fail(fmt.Errorf("%w: %d elements missing", ErrListLength, r))
		return
	}
	e.stack = e.stack[:len(e.stack)-1]
}

// Int writes one Int tag (or list element). It is the hot path for block
// index layers, so it skips boxing.
func (e *Encoder) Int(name string, v int32) {
	e.header(KindInt, name)
	if e.err != nil {
		return
	}
	e.buf = e.order.AppendUint32(e.buf, uint32(v))
}

// Value writes a complete value with the given name (ignored inside lists).
func (e *Encoder) Value(name string, v Value) {
	if v == nil {
		e.fail(ErrNilValue)
		return
	}
	e.header(v.Kind(), name)
	e.payload(v)
}

func (e *Encoder) payload(v Value) {
	if e.err != nil {
		return
	}
	switch t := v.(type) {
	case Byte:
		e.buf = append(e.buf, byte(t))
	case Short:
		e.buf = e.order.AppendUint16(e.buf, uint16(t))
	case Int:
		e.buf = e.order.AppendUint32(e.buf, uint32(t))
	case Long:
		e.buf = e.order.AppendUint64(e.buf, uint64(t))
	case Float:
		e.buf = e.order.AppendUint32(e.buf, math.Float32bits(float32(t)))
	case Double:
		e.buf = e.order.AppendUint64(e.buf, math.Float64bits(float64(t)))
	case String:
		e.appendString(string(t))
	case ByteArray:
		e.buf = e.order.AppendUint32(e.buf, uint32(len(t)))
		e.buf = append(e.buf, t...)
	case IntArray:
		e.buf = e.order.AppendUint32(e.buf, uint32(len(t)))
		for _, x := range t {
			e.buf = e.order.AppendUint32(e.buf, uint32(x))
		}
	case LongArray:
		e.buf = e.order.AppendUint32(e.buf, uint32(len(t)))
		for _, x := range t {
			e.buf = e.order.AppendUint64(e.buf, uint64(x))
		}
	case List:
		if !t.Elem.Valid() || (t.Elem == KindEnd && len(t.Items) > 0) {
			e.fail(fmt.Errorf("%w: element kind %s", ErrListKindMismatch, t.Elem))
			return
		}
		if len(t.Items) > math.MaxInt32 {
			e.fail(fmt.Errorf("%w: %d elements", ErrListLength, len(t.Items)))
			return
		}
		e.buf = append(e.buf, byte(t.Elem))
		e.buf = e.order.AppendUint32(e.buf, uint32(len(t.Items)))
		for _, item := range t.Items {
			if item == nil {
				e.fail(ErrNilValue)
				return
			}
			if item.Kind() != t.Elem {
				e.fail(fmt.Errorf("%w: got %s in list of %s", ErrListKindMismatch, item.Kind(), t.Elem))
				return
			}
			e.payload(item)
		}
	case Compound:
		e.stack = append(e.stack, frame{kind: KindCompound})
		for _, tag := range t {
			e.Value(tag.Name, tag.Value)
		}
		e.EndCompound()
	default:
		e.fail(fmt.Errorf("nbt: unsupported value %T", v))
	}
}

// Bytes returns the finished document.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if !e.root || len(e.stack) != 0 {
		return nil, fmt.Errorf("%w: %d open tags", ErrUnbalanced, len(e.stack))
	}
	return e.buf, nil
}

// WriteTo writes the finished document to w.
func (e *Encoder) WriteTo(w io.Writer) (int64, error) {
	b, err := e.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// Marshal encodes a little-endian document with a named root compound.
func Marshal(name string, root Compound) ([]byte, error) {
	return MarshalOrder(binary.LittleEndian, name, root)
}

func MarshalOrder(order binary.AppendByteOrder, name string, root Compound) ([]byte, error) {
	e := NewEncoder(order)
	e.Value(name, root)
	return e.Bytes()
}
