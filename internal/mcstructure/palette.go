package mcstructure

// PaletteEntry is an immutable snapshot of an interned block type. States are
// sorted by name.
type PaletteEntry struct {
	Name   string
	States []State
}

// Palette deduplicates block types and hands out indices in first-insertion
// order. Entries are never removed or renumbered.
type Palette struct {
	entries []PaletteEntry
	index   map[string]int
}

func NewPalette() *Palette {
	return &Palette{index: map[string]int{}}
}

// Intern returns the index of bt, appending a new entry if no block type with
// the same namespace and final state mapping has been seen.
func (p *Palette) Intern(bt BlockType) int {
	k := bt.key()
	if i, ok := p.index[k]; ok {
		return i
	}
	i := len(p.entries)
	p.entries = append(p.entries, PaletteEntry{Name: bt.namespace, States: bt.States()})
	p.index[k] = i
	return i
}

// Lookup reports the index of bt without interning it.
func (p *Palette) Lookup(bt BlockType) (int, bool) {
	i, ok := p.index[bt.key()]
	return i, ok
}

func (p *Palette) Len() int { return len(p.entries) }

// Entry returns the entry at i. It panics if i is out of range.
func (p *Palette) Entry(i int) PaletteEntry {
	e := p.entries[i]
	e.States = append([]State(nil), e.States...)
	return e
}
