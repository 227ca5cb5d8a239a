// Package catalog defines the fixed, ordered set of configuration items the
// sync engine is responsible for. Catalog membership is configuration handed
// to the engine, never something the engine computes.
package catalog

import "slices"

// Kind distinguishes single-file items from directory subtrees.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Item is a named unit to keep consistent between machines.
// Identity is the catalog name, which is also the path relative to both
// the local tree and the shared sync root.
type Item struct {
	Name string
	Kind Kind
	// Structured marks JSON-bearing items that must parse before they are
	// trusted as a sync source.
	Structured bool
}

// Catalog is an immutable, ordered list of items. Operations iterate it in
// order; it is passed explicitly into every engine operation.
type Catalog []Item

// Default returns the catalog of tracked configuration items.
func Default() Catalog {
	return Catalog{
		{Name: "settings.json", Kind: KindFile, Structured: true},
		{Name: "mcp.json", Kind: KindFile, Structured: true},
		{Name: "CLAUDE.md", Kind: KindFile},
		{Name: "skills", Kind: KindDir},
		{Name: "plugins", Kind: KindDir},
	}
}

// Lookup returns the item with the given name.
func (c Catalog) Lookup(name string) (Item, bool) {
	idx := slices.IndexFunc(c, func(it Item) bool { return it.Name == name })
	if idx < 0 {
		return Item{}, false
	}
	return c[idx], true
}

// Names returns the item names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, it := range c {
		names[i] = it.Name
	}
	return names
}
