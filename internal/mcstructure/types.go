package mcstructure

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Vec3 is used both as a size and as a zero-based position.
type Vec3 struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	Z int `json:"z" yaml:"z"`
}

func NewVec3(x, y, z int) Vec3 { return Vec3{X: x, Y: y, Z: z} }

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }

func (v Vec3) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

type stateKind uint8

const (
	stateInvalid stateKind = iota
	stateString
	stateInt
	stateBool
)

// StateValue is a block state value: a string, a signed 32-bit integer or a
// boolean. Values of different kinds never compare equal, so Bool(true) and
// Int(1) are distinct states. The zero StateValue carries no kind and is
// rejected when the structure is exported.
type StateValue struct {
	kind stateKind
	s    string
	i    int32
}

func String(s string) StateValue { return StateValue{kind: stateString, s: s} }

func Int(i int32) StateValue { return StateValue{kind: stateInt, i: i} }

func Bool(b bool) StateValue {
	if b {
		return StateValue{kind: stateBool, i: 1}
	}
	return StateValue{kind: stateBool}
}

func (v StateValue) Valid() bool { return v.kind >= stateString && v.kind <= stateBool }

func (v StateValue) IsString() bool { return v.kind == stateString }
func (v StateValue) IsInt() bool    { return v.kind == stateInt }
func (v StateValue) IsBool() bool   { return v.kind == stateBool }

// Str, Int32 and BoolValue return the payload; the result is meaningful only
// for the matching kind.
func (v StateValue) Str() string     { return v.s }
func (v StateValue) Int32() int32    { return v.i }
func (v StateValue) BoolValue() bool { return v.i != 0 }

func (v StateValue) String() string {
	switch v.kind {
	case stateString:
		return strconv.Quote(v.s)
	case stateInt:
		return strconv.FormatInt(int64(v.i), 10)
	case stateBool:
		return strconv.FormatBool(v.i != 0)
	default:
		return "<invalid>"
	}
}

// State is one named state value.
type State struct {
	Name  string
	Value StateValue
}

// BlockType describes a block: a namespaced identifier plus named states.
// It has value semantics: SetState returns a modified copy and never touches
// the receiver, so a BlockType can be reused as a template.
type BlockType struct {
	namespace string
	states    map[string]StateValue
}

func NewBlockType(namespace string) BlockType {
	return BlockType{namespace: namespace}
}

func (b BlockType) Namespace() string { return b.namespace }

// SetState sets name to v; a later call for the same name wins.
func (b BlockType) SetState(name string, v StateValue) BlockType {
	states := make(map[string]StateValue, len(b.states)+1)
	for k, sv := range b.states {
		states[k] = sv
	}
	states[name] = v
	return BlockType{namespace: b.namespace, states: states}
}

func (b BlockType) State(name string) (StateValue, bool) {
	v, ok := b.states[name]
	return v, ok
}

// States returns the states sorted by name.
func (b BlockType) States() []State {
	out := make([]State, 0, len(b.states))
	for name, v := range b.states {
		out = append(out, State{Name: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b BlockType) Equal(o BlockType) bool { return b.key() == o.key() }

func (b BlockType) String() string {
	if len(b.states) == 0 {
		return b.namespace
	}
	var sb strings.Builder
	sb.WriteString(b.namespace)
	sb.WriteByte('[')
	for i, s := range b.States() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s.Name)
		sb.WriteByte('=')
		sb.WriteString(s.Value.String())
	}
	sb.WriteByte(']')
	return sb.String()
}

// key is the canonical identity used by the palette: namespace and the
// name-sorted (name, kind, value) triples, each string length-prefixed so no
// two distinct block types share a key.
func (b BlockType) key() string {
	var sb strings.Builder
	writeKeyString(&sb, b.namespace)
	for _, s := range b.States() {
		writeKeyString(&sb, s.Name)
		sb.WriteByte(byte(s.Value.kind))
		switch s.Value.kind {
		case stateString:
			writeKeyString(&sb, s.Value.s)
		default:
			sb.WriteString(strconv.FormatInt(int64(s.Value.i), 10))
			sb.WriteByte(';')
		}
	}
	return sb.String()
}

func writeKeyString(sb *strings.Builder, s string) {
	sb.WriteString(strconv.Itoa(len(s)))
	sb.WriteByte(':')
	sb.WriteString(s)
}
