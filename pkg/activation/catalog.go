package activation

import (
	"fmt"

	"github.com/openfroyo/kindle/pkg/engine"
)

// Catalog is the immutable set of resources the controller may activate.
type Catalog struct {
	byID  map[string]engine.ResourceDescriptor
	order []string
}

// NewCatalog builds a catalog from descriptors. IDs must be non-empty and unique.
func NewCatalog(descs ...engine.ResourceDescriptor) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]engine.ResourceDescriptor, len(descs))}
	for _, d := range descs {
		if d.ID == "" {
			return nil, fmt.Errorf("resource descriptor without id")
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate resource descriptor %q", d.ID)
		}
		if d.ActivationLatency < 0 || d.MemoryWeight < 0 {
			return nil, fmt.Errorf("resource %q: latency and memory weight must not be negative", d.ID)
		}
		c.byID[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	return c, nil
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id string) (engine.ResourceDescriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// IDs returns resource ids in declaration order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// Descriptors returns all descriptors in declaration order.
func (c *Catalog) Descriptors() []engine.ResourceDescriptor {
	out := make([]engine.ResourceDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of resources.
func (c *Catalog) Len() int { return len(c.order) }
