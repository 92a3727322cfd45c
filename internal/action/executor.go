package action

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ashureev/canvaspilot/internal/domain"
)

// ErrAction wraps every failure raised while applying an action.
var ErrAction = errors.New("action failed")

// Default stacking layout for components placed without coordinates.
const (
	DefaultX          = 0
	DefaultW          = 12
	DefaultH          = 5
	DefaultRowSpacing = 5
)

// maxNameAttempts bounds generated-name probing.
const maxNameAttempts = 10000

// Result describes an applied action. The zero Result is a no-op.
type Result struct {
	Applied bool
	Action  string
	Label   string
	ID      string
	Layout  domain.LayoutItem
}

// Summary is the one-line description appended to the assistant message.
func (r Result) Summary() string {
	return r.Action + ": " + r.Label
}

// Executor applies parsed actions to a Document.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an executor. logger may be nil.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Apply executes a against doc. Unrecognized actions return a zero Result
// and no error. Failures, including panics raised by doc, wrap ErrAction.
func (e *Executor) Apply(a Action, doc Document) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			name := actionName(a)
			e.logger.Error("document panicked while applying action", "action", name, "panic", r)
			result = Result{}
			err = fmt.Errorf("%w: %s: %v", ErrAction, name, r)
		}
	}()

	switch act := a.(type) {
	case AddComponent:
		return e.addComponent(act, doc)
	case Unrecognized:
		e.logger.Debug("ignoring unrecognized action", "action", act.Name)
		return Result{}, nil
	default:
		return Result{}, nil
	}
}

func (e *Executor) addComponent(a AddComponent, doc Document) (Result, error) {
	container, err := doc.CurrentContainer()
	if err != nil {
		return Result{}, fmt.Errorf("%w: resolve container: %w", ErrAction, err)
	}

	name := a.Name
	if name == "" {
		name, err = generateName(a.Type, doc)
		if err != nil {
			return Result{}, err
		}
	}

	id := doc.GenerateID()
	if id == "" {
		return Result{}, fmt.Errorf("%w: document generated an empty id", ErrAction)
	}
	if _, taken := container.Layout[id]; taken {
		return Result{}, fmt.Errorf("%w: layout key %q already in use", ErrAction, id)
	}

	item := domain.LayoutItem{
		I: id,
		X: valueOr(a.X, DefaultX),
		Y: valueOr(a.Y, len(container.Layout)*DefaultRowSpacing),
		W: valueOr(a.W, DefaultW),
		H: valueOr(a.H, DefaultH),
	}

	m := Mutation{
		ContainerID: container.ID,
		Layout:      map[string]domain.LayoutItem{id: item},
		Children: []Child{{
			ID:    id,
			Type:  a.Type,
			Name:  name,
			Props: a.Props,
		}},
	}
	if err := doc.Apply(m); err != nil {
		return Result{}, fmt.Errorf("%w: %s %q: %w", ErrAction, NameAddComponent, name, err)
	}

	e.logger.Info("component added",
		"component_type", a.Type,
		"name", name,
		"component_id", id,
		"container_id", container.ID,
	)

	return Result{
		Applied: true,
		Action:  NameAddComponent,
		Label:   name,
		ID:      id,
		Layout:  item,
	}, nil
}

// generateName returns <type><n> for the smallest n >= 1 not yet in use.
func generateName(compType string, doc Document) (string, error) {
	for n := 1; n <= maxNameAttempts; n++ {
		candidate := compType + strconv.Itoa(n)
		if !doc.NameExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free name for %s", ErrAction, compType)
}

func actionName(a Action) string {
	if a == nil {
		return ""
	}
	return a.ActionName()
}

func valueOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}
