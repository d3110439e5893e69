// Package nbt implements the named binary tag tree used by structure files:
// typed, named, nested nodes (compounds, lists and scalars) with a fixed
// byte order and no varints.
package nbt

import "fmt"

type Kind byte

const (
	KindEnd Kind = iota
	KindByte
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindByteArray
	KindString
	KindList
	KindCompound
	KindIntArray
	KindLongArray
)

func (k Kind) Valid() bool { return k <= KindLongArray }

func (k Kind) String() string {
	switch k {
	case KindEnd:
		return "TAG_End"
	case KindByte:
		return "TAG_Byte"
	case KindShort:
		return "TAG_Short"
	case KindInt:
		return "TAG_Int"
	case KindLong:
		return "TAG_Long"
	case KindFloat:
		return "TAG_Float"
	case KindDouble:
		return "TAG_Double"
	case KindByteArray:
		return "TAG_Byte_Array"
	case KindString:
		return "TAG_String"
	case KindList:
		return "TAG_List"
	case KindCompound:
		return "TAG_Compound"
	case KindIntArray:
		return "TAG_Int_Array"
	case KindLongArray:
		return "TAG_Long_Array"
	default:
		return fmt.Sprintf("TAG_Unknown(0x%02X)", byte(k))
	}
}

// Value is a tag payload. The set of implementations is closed to this package.
type Value interface {
	Kind() Kind
	isValue()
}

type (
	Byte      int8
	Short     int16
	Int       int32
	Long      int64
	Float     float32
	Double    float64
	String    string
	ByteArray []byte
	IntArray  []int32
	LongArray []int64
)

// List is a homogeneous sequence. Elem must match the kind of every item; an
// empty list may use KindEnd.
type List struct {
	Elem  Kind
	Items []Value
}

// Tag is a named value inside a compound.
type Tag struct {
	Name  string
	Value Value
}

// Compound keeps its tags in insertion order. Names are not required to be
// unique by the format; Get returns the first match.
type Compound []Tag

func (Byte) Kind() Kind      { return KindByte }
func (Short) Kind() Kind     { return KindShort }
func (Int) Kind() Kind       { return KindInt }
func (Long) Kind() Kind      { return KindLong }
func (Float) Kind() Kind     { return KindFloat }
func (Double) Kind() Kind    { return KindDouble }
func (String) Kind() Kind    { return KindString }
func (ByteArray) Kind() Kind { return KindByteArray }
func (IntArray) Kind() Kind  { return KindIntArray }
func (LongArray) Kind() Kind { return KindLongArray }
func (List) Kind() Kind      { return KindList }
func (Compound) Kind() Kind  { return KindCompound }

func (Byte) isValue()      {}
func (Short) isValue()     {}
func (Int) isValue()       {}
func (Long) isValue()      {}
func (Float) isValue()     {}
func (Double) isValue()    {}
func (String) isValue()    {}
func (ByteArray) isValue() {}
func (IntArray) isValue()  {}
func (LongArray) isValue() {}
func (List) isValue()      {}
func (Compound) isValue()  {}

func (c Compound) Get(name string) (Value, bool) {
	for _, t := range c {
		if t.Name == name {
			return t.Value, true
		}
	}
	return nil, false
}

// Compound returns the named child compound, or nil.
func (c Compound) Compound(name string) Compound {
	v, ok := c.Get(name)
	if !ok {
		return nil
	}
	cc, _ := v.(Compound)
	return cc
}

// List returns the named child list.
func (c Compound) List(name string) (List, bool) {
	v, ok := c.Get(name)
	if !ok {
		return List{}, false
	}
	l, ok := v.(List)
	return l, ok
}

// IntList builds a List of Int.
func IntList(vals ...int32) List {
	items := make([]Value, len(vals))
	for i, v := range vals {
		items[i] = Int(v)
	}
	return List{Elem: KindInt, Items: items}
}

// CompoundList builds a List of Compound. An empty list keeps KindCompound as
// its element kind, which is what structure readers expect.
func CompoundList(cs ...Compound) List {
	items := make([]Value, len(cs))
	for i, c := range cs {
		items[i] = c
	}
	return List{Elem: KindCompound, Items: items}
}
