package action

import "github.com/ashureev/canvaspilot/internal/domain"

// Container is a child-holding component and its layout.
type Container struct {
	ID     string
	Layout map[string]domain.LayoutItem
}

// Child describes a component inserted by a Mutation.
type Child struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Name  string         `json:"name"`
	Props map[string]any `json:"props,omitempty"`
}

// Mutation is committed by a Document as a single unit: the layout entries
// and the children land together or not at all.
type Mutation struct {
	ContainerID string
	Layout      map[string]domain.LayoutItem
	Children    []Child
}

// Document is the mutable document model actions are applied to.
type Document interface {
	// CurrentContainer returns the container that receives new children.
	CurrentContainer() (Container, error)
	// GenerateID returns an identifier not yet used in the document.
	GenerateID() string
	// NameExists reports whether a component already uses name.
	NameExists(name string) bool
	// Apply commits m atomically.
	Apply(m Mutation) error
}
