// Package mcstructure builds Bedrock-style .mcstructure documents: a fixed-size
// grid of palette indices, a deduplicating block palette, optional per-cell
// container contents, and the NBT encoder that serializes them.
//
// A Structure is owned by one goroutine. Export only reads, so concurrent
// exports of a structure nobody is mutating are fine; anything else needs a
// separate Structure per goroutine.
package mcstructure

import (
	"fmt"
	"math"
	"sort"
)

// DefaultBlock fills every cell of a new structure and is palette index 0.
const DefaultBlock = "minecraft:air"

// FormatVersion is written as the document's format_version.
const FormatVersion = 1

const maxSlotByte = math.MaxUint8

type Config struct {
	Size   Vec3
	Origin Vec3

	// DefaultBlock overrides the block interned at palette index 0. The zero
	// value means minecraft:air.
	DefaultBlock BlockType

	// BlockVersion, when non-zero, is written as "version" on every palette
	// entry.
	BlockVersion int32
}

// ItemSlot is one container slot attached to a cell.
type ItemSlot struct {
	Slot  int
	Item  string
	Count int
}

type Structure struct {
	size         Vec3
	origin       Vec3
	blockVersion int32

	palette *Palette
	cells   []int32
	gens    []uint32
	slots   map[int]map[int]ItemSlot
}

func New(size Vec3) (*Structure, error) {
	return NewWithConfig(Config{Size: size})
}

func NewWithConfig(cfg Config) (*Structure, error) {
	size := cfg.Size
	n, err := CheckSize(size)
	if err != nil {
		return nil, err
	}
	if !fitsInt32(cfg.Origin) {
		return nil, fmt.Errorf("%w: origin %s out of int32 range", ErrConstruction, cfg.Origin)
	}
	def := cfg.DefaultBlock
	if def.namespace == "" && len(def.states) == 0 {
		def = NewBlockType(DefaultBlock)
	}

	s := &Structure{
		size:         size,
		origin:       cfg.Origin,
		blockVersion: cfg.BlockVersion,
		palette:      NewPalette(),
		cells:        make([]int32, n),
		gens:         make([]uint32, n),
		slots:        map[int]map[int]ItemSlot{},
	}
	s.palette.Intern(def)
	return s, nil
}

// CheckSize returns the cell count of size. It fails with ErrConstruction when
// an axis is below 1 or the count does not fit a signed 32-bit list length,
// which is how block index layers are stored.
func CheckSize(size Vec3) (int, error) {
	if size.X < 1 || size.Y < 1 || size.Z < 1 {
		return 0, fmt.Errorf("%w: size %s must be at least 1 on every axis", ErrConstruction, size)
	}
	tooBig := fmt.Errorf("%w: size %s exceeds %d cells", ErrConstruction, size, math.MaxInt32)
	if size.X > math.MaxInt32 || size.Y > math.MaxInt32 || size.Z > math.MaxInt32 {
		return 0, tooBig
	}
	xy := int64(size.X) * int64(size.Y)
	if xy > math.MaxInt32/int64(size.Z) {
		return 0, tooBig
	}
	return int(xy * int64(size.Z)), nil
}

func (s *Structure) Size() Vec3   { return s.size }
func (s *Structure) Origin() Vec3 { return s.origin }
func (s *Structure) Volume() int  { return len(s.cells) }

// SetOrigin sets the world origin written as structure_world_origin.
func (s *Structure) SetOrigin(v Vec3) error {
	if !fitsInt32(v) {
		return fmt.Errorf("%w: origin %s out of int32 range", ErrValidation, v)
	}
	s.origin = v
	return nil
}

func (s *Structure) PaletteLen() int { return s.palette.Len() }

func (s *Structure) PaletteEntry(i int) (PaletteEntry, error) {
	if i < 0 || i >= s.palette.Len() {
		return PaletteEntry{}, fmt.Errorf("%w: palette index %d of %d", ErrBounds, i, s.palette.Len())
	}
	return s.palette.Entry(i), nil
}

// LinearIndex maps a position to its cell offset: x fastest, then y, then z.
// It is the only place that knows the cell order.
func (s *Structure) LinearIndex(pos Vec3) (int, error) {
	if pos.X < 0 || pos.Y < 0 || pos.Z < 0 || pos.X >= s.size.X || pos.Y >= s.size.Y || pos.Z >= s.size.Z {
		return 0, fmt.Errorf("%w: %s not within size %s", ErrBounds, pos, s.size)
	}
	return pos.X + s.size.X*(pos.Y+s.size.Y*pos.Z), nil
}

// Position is the inverse of LinearIndex.
func (s *Structure) Position(i int) (Vec3, error) {
	if i < 0 || i >= len(s.cells) {
		return Vec3{}, fmt.Errorf("%w: cell %d of %d", ErrBounds, i, len(s.cells))
	}
	x := i % s.size.X
	rest := i / s.size.X
	return Vec3{X: x, Y: rest % s.size.Y, Z: rest / s.size.Y}, nil
}

// Place writes bt at pos and returns a handle for attaching item slots. Any
// item slots previously attached at pos are discarded, and handles from
// earlier placements at pos become stale.
func (s *Structure) Place(pos Vec3, bt BlockType) (Handle, error) {
	i, err := s.LinearIndex(pos)
	if err != nil {
		return Handle{}, err
	}
	s.cells[i] = int32(s.palette.Intern(bt))
	s.gens[i]++
	delete(s.slots, i)
	return Handle{s: s, cell: i, gen: s.gens[i]}, nil
}

// Fill places bt on every cell of the inclusive box spanned by a and b. Both
// corners are checked before anything is written.
func (s *Structure) Fill(a, b Vec3, bt BlockType) error {
	if _, err := s.LinearIndex(a); err != nil {
		return err
	}
	if _, err := s.LinearIndex(b); err != nil {
		return err
	}
	lo := Vec3{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)}
	hi := Vec3{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)}
	idx := int32(s.palette.Intern(bt))
	for z := lo.Z; z <= hi.Z; z++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for x := lo.X; x <= hi.X; x++ {
				i := x + s.size.X*(y+s.size.Y*z)
				s.cells[i] = idx
				s.gens[i]++
				delete(s.slots, i)
			}
		}
	}
	return nil
}

// BlockAt returns the palette index stored at pos.
func (s *Structure) BlockAt(pos Vec3) (int, error) {
	i, err := s.LinearIndex(pos)
	if err != nil {
		return 0, err
	}
	return int(s.cells[i]), nil
}

// ItemSlots returns the slots attached at pos, ordered by slot number.
func (s *Structure) ItemSlots(pos Vec3) ([]ItemSlot, error) {
	i, err := s.LinearIndex(pos)
	if err != nil {
		return nil, err
	}
	return s.slotsAt(i), nil
}

func (s *Structure) slotsAt(i int) []ItemSlot {
	m := s.slots[i]
	if len(m) == 0 {
		return nil
	}
	out := make([]ItemSlot, 0, len(m))
	for _, it := range m {
		out = append(out, it)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Slot < out[b].Slot })
	return out
}

// cellsWithSlots returns the linear indices carrying item slots, ascending.
func (s *Structure) cellsWithSlots() []int {
	out := make([]int, 0, len(s.slots))
	for i, m := range s.slots {
		if len(m) > 0 {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// Handle refers to the cell written by one Place call.
type Handle struct {
	s    *Structure
	cell int
	gen  uint32
}

func (h Handle) Valid() bool {
	return h.s != nil && h.cell < len(h.s.gens) && h.s.gens[h.cell] == h.gen
}

func (h Handle) Position() Vec3 {
	if h.s == nil {
		return Vec3{}
	}
	p, _ := h.s.Position(h.cell)
	return p
}

// AttachItemSlot records itemID x count in the given slot of the placed
// block, replacing whatever that slot held. Slot and count must fit in an
// unsigned byte; a negative count is rejected.
func (h Handle) AttachItemSlot(slot int, itemID string, count int) error {
	if !h.Valid() {
		return fmt.Errorf("%w: cell %d was overwritten", ErrStaleHandle, h.cell)
	}
	if count < 0 {
		return fmt.Errorf("%w: negative item count %d", ErrValidation, count)
	}
	if count > maxSlotByte {
		return fmt.Errorf("%w: item count %d exceeds %d", ErrValidation, count, maxSlotByte)
	}
	if slot < 0 || slot > maxSlotByte {
		return fmt.Errorf("%w: slot %d outside 0..%d", ErrValidation, slot, maxSlotByte)
	}
	m := h.s.slots[h.cell]
	if m == nil {
		m = map[int]ItemSlot{}
		h.s.slots[h.cell] = m
	}
	m[slot] = ItemSlot{Slot: slot, Item: itemID, Count: count}
	return nil
}

func fitsInt32(v Vec3) bool {
	in := func(n int) bool { return n >= math.MinInt32 && n <= math.MaxInt32 }
	return in(v.X) && in(v.Y) && in(v.Z)
}
