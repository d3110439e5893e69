// Package plan reads declarative build plans (YAML, or JSON since YAML is a
// superset) and turns them into structures.
package plan

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelstruct.ai/internal/mcstructure"
)

//go:embed plan.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("plan.schema.json", schemaJSON)

const blockCheckEvery = 4096

// ErrInvalid wraps every schema or conversion failure in a plan.
var ErrInvalid = errors.New("plan: invalid")

type Plan struct {
	Name         string           `yaml:"name" json:"name,omitempty"`
	Size         mcstructure.Vec3 `yaml:"size" json:"size"`
	Origin       mcstructure.Vec3 `yaml:"origin" json:"origin"`
	DefaultBlock *BlockSpec       `yaml:"default_block" json:"default_block,omitempty"`
	BlockVersion int32            `yaml:"block_version" json:"block_version,omitempty"`
	Fills        []Fill           `yaml:"fills" json:"fills,omitempty"`
	Blocks       []Block          `yaml:"blocks" json:"blocks,omitempty"`
}

// BlockSpec names a block type. State values may be strings, booleans or
// integers within int32 range.
type BlockSpec struct {
	Name   string         `yaml:"name" json:"name"`
	States map[string]any `yaml:"states" json:"states,omitempty"`
}

// Fill covers the inclusive box From..To.
type Fill struct {
	From      mcstructure.Vec3 `yaml:"from" json:"from"`
	To        mcstructure.Vec3 `yaml:"to" json:"to"`
	BlockSpec `yaml:",inline"`
}

type Block struct {
	Pos       mcstructure.Vec3 `yaml:"pos" json:"pos"`
	BlockSpec `yaml:",inline"`
	Items     []Item `yaml:"items" json:"items,omitempty"`
}

type Item struct {
	Slot  int    `yaml:"slot" json:"slot"`
	Item  string `yaml:"item" json:"item"`
	Count int    `yaml:"count" json:"count"`
}

func Load(path string) (Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}
	p, err := Parse(raw)
	if err != nil {
		return Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse validates raw against the plan schema and decodes it.
func Parse(raw []byte) (Plan, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	inst, err := jsonInstance(doc)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return p, nil
}

// jsonInstance converts a YAML document into the value shapes the schema
// validator understands.
func jsonInstance(doc any) (any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Digest identifies what the plan builds. Plans that differ only in Name
// share a digest and export identical documents.
func (p Plan) Digest() string {
	p.Name = ""
	b, _ := json.Marshal(p)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Work counts the cell writes Build performs: the grid itself, every fill box
// clipped to the grid, and one per block. It returns math.MaxInt64 when the
// size is not buildable.
func (p Plan) Work() int64 {
	vol, err := mcstructure.CheckSize(p.Size)
	if err != nil {
		return math.MaxInt64
	}
	work := int64(vol) + int64(len(p.Blocks))
	for _, f := range p.Fills {
		box := int64(1)
		for _, ax := range [3][3]int{
			{f.From.X, f.To.X, p.Size.X},
			{f.From.Y, f.To.Y, p.Size.Y},
			{f.From.Z, f.To.Z, p.Size.Z},
		} {
			lo, hi := max(min(ax[0], ax[1]), 0), min(max(ax[0], ax[1]), ax[2]-1)
			if lo > hi {
				box = 0
				break
			}
			box *= int64(hi - lo + 1)
		}
		work += box
	}
	return work
}

// Build creates the structure: fills in order, then blocks in order. Item
// slots attach to the block placed by the same entry.
func (p Plan) Build() (*mcstructure.Structure, error) {
	return p.BuildContext(context.Background())
}

// BuildContext is Build, stopping with ctx.Err() once ctx is done. It checks
// between fills and every blockCheckEvery blocks.
func (p Plan) BuildContext(ctx context.Context) (*mcstructure.Structure, error) {
	cfg := mcstructure.Config{
		Size:         p.Size,
		Origin:       p.Origin,
		BlockVersion: p.BlockVersion,
	}
	if p.DefaultBlock != nil {
		bt, err := p.DefaultBlock.BlockType()
		if err != nil {
			return nil, fmt.Errorf("default_block: %w", err)
		}
		cfg.DefaultBlock = bt
	}
	s, err := mcstructure.NewWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	for i, f := range p.Fills {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bt, err := f.BlockType()
		if err != nil {
			return nil, fmt.Errorf("fills[%d]: %w", i, err)
		}
		if err := s.Fill(f.From, f.To, bt); err != nil {
			return nil, fmt.Errorf("fills[%d]: %w", i, err)
		}
	}
	for i, b := range p.Blocks {
		if i%blockCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		bt, err := b.BlockType()
		if err != nil {
			return nil, fmt.Errorf("blocks[%d]: %w", i, err)
		}
		h, err := s.Place(b.Pos, bt)
		if err != nil {
			return nil, fmt.Errorf("blocks[%d]: %w", i, err)
		}
		for j, it := range b.Items {
			if err := h.AttachItemSlot(it.Slot, it.Item, it.Count); err != nil {
				return nil, fmt.Errorf("blocks[%d].items[%d]: %w", i, j, err)
			}
		}
	}
	return s, nil
}

// BlockType converts b to a block type, applying states in name order.
func (b BlockSpec) BlockType() (mcstructure.BlockType, error) {
	bt := mcstructure.NewBlockType(b.Name)
	names := make([]string, 0, len(b.States))
	for k := range b.States {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v, err := stateValue(b.States[k])
		if err != nil {
			return mcstructure.BlockType{}, fmt.Errorf("%w: %s state %q: %v", ErrInvalid, b.Name, k, err)
		}
		bt = bt.SetState(k, v)
	}
	return bt, nil
}

func stateValue(v any) (mcstructure.StateValue, error) {
	switch x := v.(type) {
	case string:
		return mcstructure.String(x), nil
	case bool:
		return mcstructure.Bool(x), nil
	case int:
		return intState(int64(x))
	case int64:
		return intState(x)
	case uint64:
		if x > math.MaxInt32 {
			return mcstructure.StateValue{}, fmt.Errorf("integer %d out of int32 range", x)
		}
		return mcstructure.Int(int32(x)), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return mcstructure.StateValue{}, fmt.Errorf("non-integral number %v", x)
		}
		if x < math.MinInt32 || x > math.MaxInt32 {
			return mcstructure.StateValue{}, fmt.Errorf("integer %v out of int32 range", x)
		}
		return mcstructure.Int(int32(x)), nil
	default:
		return mcstructure.StateValue{}, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

func intState(n int64) (mcstructure.StateValue, error) {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return mcstructure.StateValue{}, fmt.Errorf("integer %d out of int32 range", n)
	}
	return mcstructure.Int(int32(n)), nil
}
