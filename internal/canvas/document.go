// Package canvas implements the in-memory document model that actions mutate.
package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/canvaspilot/internal/action"
	"github.com/ashureev/canvaspilot/internal/domain"
)

// RootType is the component type of every document root.
const RootType = "Canvas"

var (
	ErrNotFound        = errors.New("component not found")
	ErrNotContainer    = errors.New("component cannot hold children")
	ErrDuplicateID     = errors.New("component id already exists")
	ErrDuplicateName   = errors.New("component name already exists")
	ErrLayoutCollision = errors.New("layout key already in use")
	ErrInvalidMutation = errors.New("invalid mutation")
)

var containerTypes = map[string]bool{
	RootType:    true,
	"Container": true,
	"Form":      true,
	"Modal":     true,
	"Tabs":      true,
	"Card":      true,
}

// IsContainerType reports whether components of type t hold children.
func IsContainerType(t string) bool {
	return containerTypes[t]
}

// Component is one node of the document tree.
type Component struct {
	ID       string                       `json:"id"`
	Type     string                       `json:"type"`
	Name     string                       `json:"name"`
	Parent   string                       `json:"parent,omitempty"`
	Props    map[string]any               `json:"props,omitempty"`
	Layout   map[string]domain.LayoutItem `json:"layout,omitempty"`
	Children []string                     `json:"children,omitempty"`
}

// Snapshot is a serialisable copy of a document.
type Snapshot struct {
	Root       string                `json:"root"`
	Current    string                `json:"current"`
	Components map[string]*Component `json:"components"`
}

// Document is a tree of components guarded by a mutex. It satisfies
// action.Document.
type Document struct {
	mu         sync.RWMutex
	root       string
	current    string
	components map[string]*Component
	names      map[string]string
	listeners  []func(Snapshot)
	newID      func() string
}

var _ action.Document = (*Document)(nil)

// Option configures a Document.
type Option func(*Document)

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(fn func() string) Option {
	return func(d *Document) { d.newID = fn }
}

// New creates a document holding only an empty root container.
func New(opts ...Option) *Document {
	d := &Document{
		components: make(map[string]*Component),
		names:      make(map[string]string),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	root := &Component{
		ID:     d.newID(),
		Type:   RootType,
		Name:   "canvas",
		Layout: make(map[string]domain.LayoutItem),
	}
	d.root = root.ID
	d.current = root.ID
	d.components[root.ID] = root
	d.names[root.Name] = root.ID
	return d
}

// FromSnapshot rebuilds a document from a stored snapshot.
func FromSnapshot(s Snapshot, opts ...Option) (*Document, error) {
	d := New(opts...)
	if err := d.Load(s); err != nil {
		return nil, err
	}
	return d, nil
}

// Load replaces the document contents with s and notifies listeners.
func (d *Document) Load(s Snapshot) error {
	root, ok := s.Components[s.Root]
	if !ok || root == nil || !IsContainerType(root.Type) {
		return fmt.Errorf("load snapshot: root %q: %w", s.Root, ErrNotContainer)
	}

	components := make(map[string]*Component, len(s.Components))
	names := make(map[string]string, len(s.Components))
	for id, c := range s.Components {
		if c == nil || c.ID != id {
			return fmt.Errorf("load snapshot: component %q: %w", id, ErrInvalidMutation)
		}
		if other, taken := names[c.Name]; taken {
			return fmt.Errorf("load snapshot: %q used by %s and %s: %w", c.Name, other, id, ErrDuplicateName)
		}
		cp := cloneComponent(c)
		if IsContainerType(cp.Type) && cp.Layout == nil {
			cp.Layout = make(map[string]domain.LayoutItem)
		}
		components[id] = cp
		names[c.Name] = id
	}

	current := s.Current
	if c, ok := components[current]; !ok || !IsContainerType(c.Type) {
		current = s.Root
	}

	d.mu.Lock()
	d.root = s.Root
	d.current = current
	d.components = components
	d.names = names
	snap, listeners := d.snapshotLocked(), slices.Clone(d.listeners)
	d.mu.Unlock()

	notify(listeners, snap)
	return nil
}

// OnChange registers fn to receive a snapshot after every committed change.
func (d *Document) OnChange(fn func(Snapshot)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// CurrentContainer returns the selected container and a copy of its layout.
func (d *Document) CurrentContainer() (action.Container, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.components[d.current]
	if !ok {
		return action.Container{}, fmt.Errorf("current container %q: %w", d.current, ErrNotFound)
	}
	if !IsContainerType(c.Type) {
		return action.Container{}, fmt.Errorf("current container %q: %w", d.current, ErrNotContainer)
	}
	return action.Container{ID: c.ID, Layout: maps.Clone(c.Layout)}, nil
}

// Select makes id the container that receives new components.
func (d *Document) Select(id string) error {
	d.mu.Lock()
	c, ok := d.components[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("select %q: %w", id, ErrNotFound)
	}
	if !IsContainerType(c.Type) {
		d.mu.Unlock()
		return fmt.Errorf("select %q: %w", id, ErrNotContainer)
	}
	d.current = id
	snap, listeners := d.snapshotLocked(), slices.Clone(d.listeners)
	d.mu.Unlock()

	notify(listeners, snap)
	return nil
}

// GenerateID returns an id unused by any component.
func (d *Document) GenerateID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for {
		id := d.newID()
		if _, taken := d.components[id]; !taken && id != "" {
			return id
		}
	}
}

// NameExists reports whether a component is named name.
func (d *Document) NameExists(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.names[name]
	return ok
}

// Apply validates m in full before changing anything, so a rejected
// mutation leaves the document untouched.
func (d *Document) Apply(m action.Mutation) error {
	d.mu.Lock()

	if err := d.validateLocked(m); err != nil {
		d.mu.Unlock()
		return err
	}

	parent := d.components[m.ContainerID]
	for id, item := range m.Layout {
		item.I = id
		parent.Layout[id] = item
	}
	for _, child := range m.Children {
		c := &Component{
			ID:     child.ID,
			Type:   child.Type,
			Name:   child.Name,
			Parent: parent.ID,
			Props:  maps.Clone(child.Props),
		}
		if IsContainerType(c.Type) {
			c.Layout = make(map[string]domain.LayoutItem)
		}
		d.components[c.ID] = c
		d.names[c.Name] = c.ID
		parent.Children = append(parent.Children, c.ID)
	}

	snap, listeners := d.snapshotLocked(), slices.Clone(d.listeners)
	d.mu.Unlock()

	notify(listeners, snap)
	return nil
}

func (d *Document) validateLocked(m action.Mutation) error {
	parent, ok := d.components[m.ContainerID]
	if !ok {
		return fmt.Errorf("container %q: %w", m.ContainerID, ErrNotFound)
	}
	if !IsContainerType(parent.Type) {
		return fmt.Errorf("container %q: %w", m.ContainerID, ErrNotContainer)
	}

	for id := range m.Layout {
		if _, taken := parent.Layout[id]; taken {
			return fmt.Errorf("layout %q: %w", id, ErrLayoutCollision)
		}
	}

	ids := make(map[string]bool, len(m.Children))
	names := make(map[string]bool, len(m.Children))
	for _, child := range m.Children {
		if child.ID == "" || child.Type == "" || child.Name == "" {
			return fmt.Errorf("child %+v: %w", child, ErrInvalidMutation)
		}
		if _, taken := d.components[child.ID]; taken || ids[child.ID] {
			return fmt.Errorf("id %q: %w", child.ID, ErrDuplicateID)
		}
		if _, taken := d.names[child.Name]; taken || names[child.Name] {
			return fmt.Errorf("name %q: %w", child.Name, ErrDuplicateName)
		}
		if _, placed := m.Layout[child.ID]; !placed {
			return fmt.Errorf("child %q has no layout entry: %w", child.ID, ErrInvalidMutation)
		}
		ids[child.ID] = true
		names[child.Name] = true
	}
	return nil
}

// Snapshot returns a deep copy of the document.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Component returns a copy of the component with the given id.
func (d *Document) Component(id string) (Component, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.components[id]
	if !ok {
		return Component{}, false
	}
	return *cloneComponent(c), true
}

// MarshalJSON encodes the document as its snapshot.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Snapshot())
}

func (d *Document) snapshotLocked() Snapshot {
	components := make(map[string]*Component, len(d.components))
	for id, c := range d.components {
		components[id] = cloneComponent(c)
	}
	return Snapshot{Root: d.root, Current: d.current, Components: components}
}

func cloneComponent(c *Component) *Component {
	cp := *c
	cp.Props = maps.Clone(c.Props)
	cp.Layout = maps.Clone(c.Layout)
	cp.Children = slices.Clone(c.Children)
	return &cp
}

func notify(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}
