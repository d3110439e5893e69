package mcstructure

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"voxelstruct.ai/internal/nbt"
)

// Tag names of the structure document.
const (
	tagFormatVersion     = "format_version"
	tagSize              = "size"
	tagStructure         = "structure"
	tagBlockIndices      = "block_indices"
	tagEntities          = "entities"
	tagPalette           = "palette"
	tagDefault           = "default"
	tagBlockPalette      = "block_palette"
	tagBlockPositionData = "block_position_data"
	tagBlockEntityData   = "block_entity_data"
	tagItems             = "Items"
	tagWorldOrigin       = "structure_world_origin"
)

// noBlock fills the second block layer, which this package does not model.
const noBlock = -1

// Export encodes the structure as a little-endian NBT document with no
// framing or compression. The output depends only on the structure's state.
func (s *Structure) Export() ([]byte, error) {
	entries, err := s.paletteTags()
	if err != nil {
		return nil, err
	}
	e := nbt.NewEncoder(binary.LittleEndian)
	e.Grow(8*len(s.cells) + 64*len(entries) + 256)

	e.BeginCompound("")
	e.Int(tagFormatVersion, FormatVersion)
	e.Value(tagSize, nbt.IntList(int32(s.size.X), int32(s.size.Y), int32(s.size.Z)))

	e.BeginCompound(tagStructure)
	e.BeginList(tagBlockIndices, nbt.KindList, 2)
	e.BeginList("", nbt.KindInt, len(s.cells))
	for _, idx := range s.cells {
		e.Int("", idx)
	}
	e.EndList()
	e.BeginList("", nbt.KindInt, len(s.cells))
	for range s.cells {
		e.Int("", noBlock)
	}
	e.EndList()
	e.EndList()

	e.Value(tagEntities, nbt.CompoundList())

	e.BeginCompound(tagPalette)
	e.BeginCompound(tagDefault)
	e.Value(tagBlockPalette, nbt.CompoundList(entries...))
	e.BeginCompound(tagBlockPositionData)
	for _, i := range s.cellsWithSlots() {
		e.Value(strconv.Itoa(i), s.positionData(i))
	}
	e.EndCompound()
	e.EndCompound()
	e.EndCompound()
	e.EndCompound()

	e.Value(tagWorldOrigin, nbt.IntList(int32(s.origin.X), int32(s.origin.Y), int32(s.origin.Z)))
	e.EndCompound()

	b, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return b, nil
}

// WriteTo writes the exported document to w.
func (s *Structure) WriteTo(w io.Writer) (int64, error) {
	b, err := s.Export()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// Document returns the exported document as a tag tree.
func (s *Structure) Document() (nbt.Compound, error) {
	b, err := s.Export()
	if err != nil {
		return nil, err
	}
	_, root, err := nbt.Unmarshal(b)
	return root, err
}

func (s *Structure) paletteTags() ([]nbt.Compound, error) {
	out := make([]nbt.Compound, 0, s.palette.Len())
	for i, ent := range s.palette.entries {
		states := make(nbt.Compound, 0, len(ent.States))
		for _, st := range ent.States {
			v, err := stateTag(st.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: palette entry %d (%s) state %q: %v", ErrValidation, i, ent.Name, st.Name, err)
			}
			states = append(states, nbt.Tag{Name: st.Name, Value: v})
		}
		c := nbt.Compound{
			{Name: "name", Value: nbt.String(ent.Name)},
			{Name: "states", Value: states},
		}
		if s.blockVersion != 0 {
			c = append(c, nbt.Tag{Name: "version", Value: nbt.Int(s.blockVersion)})
		}
		out = append(out, c)
	}
	return out, nil
}

func stateTag(v StateValue) (nbt.Value, error) {
	switch v.kind {
	case stateString:
		return nbt.String(v.s), nil
	case stateInt:
		return nbt.Int(v.i), nil
	case stateBool:
		return nbt.Byte(v.i), nil
	default:
		return nil, fmt.Errorf("unrecognized state value kind %d", v.kind)
	}
}

func (s *Structure) positionData(i int) nbt.Compound {
	slots := s.slotsAt(i)
	items := make([]nbt.Compound, 0, len(slots))
	for _, it := range slots {
		items = append(items, nbt.Compound{
			{Name: "Count", Value: nbt.Byte(int8(uint8(it.Count)))},
			{Name: "Name", Value: nbt.String(it.Item)},
			{Name: "Slot", Value: nbt.Byte(int8(uint8(it.Slot)))},
		})
	}
	return nbt.Compound{
		{Name: tagBlockEntityData, Value: nbt.Compound{
			{Name: tagItems, Value: nbt.CompoundList(items...)},
		}},
	}
}
