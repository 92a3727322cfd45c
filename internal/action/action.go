// Package action maps structured model actions onto document mutations.
package action

import (
	"math"
	"strconv"
	"strings"
)

// Action names understood by Parse.
const (
	NameAddComponent = "add_component"
)

// Action is a parsed mutation command. The variants are AddComponent and
// Unrecognized; the unexported marker keeps the set closed.
type Action interface {
	ActionName() string
	isAction()
}

// AddComponent places a new child component in the current container.
// Nil layout fields take the stacking defaults.
type AddComponent struct {
	Type  string
	Name  string
	Props map[string]any
	X     *int
	Y     *int
	W     *int
	H     *int
}

// Unrecognized is any action this client does not understand.
type Unrecognized struct {
	Name   string
	Params map[string]any
}

func (AddComponent) ActionName() string   { return NameAddComponent }
func (a Unrecognized) ActionName() string { return a.Name }

func (AddComponent) isAction() {}
func (Unrecognized) isAction() {}

// Parse converts a loosely typed action into its variant. An add_component
// without a component type is Unrecognized.
func Parse(name string, params map[string]any) Action {
	switch name {
	case NameAddComponent:
		compType := stringParam(params, "comp_type")
		if compType == "" {
			compType = stringParam(params, "componentType")
		}
		if compType == "" {
			return Unrecognized{Name: name, Params: params}
		}
		props, _ := params["props"].(map[string]any)
		return AddComponent{
			Type:  compType,
			Name:  stringParam(params, "name"),
			Props: props,
			X:     intParam(params, "x"),
			Y:     intParam(params, "y"),
			W:     intParam(params, "w"),
			H:     intParam(params, "h"),
		}
	default:
		return Unrecognized{Name: name, Params: params}
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func intParam(params map[string]any, key string) *int {
	var n int
	switch v := params[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		n = int(math.Round(v))
	case int:
		n = v
	case int64:
		n = int(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		n = int(math.Round(f))
	default:
		return nil
	}
	return &n
}
