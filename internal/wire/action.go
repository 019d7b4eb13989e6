package wire

import "fmt"

// Action is the closed set of operations a request can ask for.
type Action string

const (
	ActionGet                      Action = "get"
	ActionSet                      Action = "set"
	ActionApply                    Action = "apply"
	ActionCall                     Action = "call"
	ActionConstruct                Action = "construct"
	ActionHas                      Action = "has"
	ActionDelete                   Action = "delete"
	ActionDeleteProperty           Action = "deleteProperty"
	ActionOwnKeys                  Action = "ownKeys"
	ActionGetPrototypeOf           Action = "getPrototypeOf"
	ActionSetPrototypeOf           Action = "setPrototypeOf"
	ActionGetPropertyDescriptor    Action = "getPropertyDescriptor"
	ActionGetOwnPropertyDescriptor Action = "getOwnPropertyDescriptor"
	ActionIsExtensible             Action = "isExtensible"
	ActionPreventExtensions        Action = "preventExtensions"
	ActionImport                   Action = "import"
	ActionTransfer                 Action = "transfer"
	// ActionDispose releases a handle allocated for a previous result.
	ActionDispose Action = "dispose"
)

// Actions lists every valid action in declaration order.
var Actions = []Action{
	ActionGet,
	ActionSet,
	ActionApply,
	ActionCall,
	ActionConstruct,
	ActionHas,
	ActionDelete,
	ActionDeleteProperty,
	ActionOwnKeys,
	ActionGetPrototypeOf,
	ActionSetPrototypeOf,
	ActionGetPropertyDescriptor,
	ActionGetOwnPropertyDescriptor,
	ActionIsExtensible,
	ActionPreventExtensions,
	ActionImport,
	ActionTransfer,
	ActionDispose,
}

var validActions = func() map[Action]bool {
	m := make(map[Action]bool, len(Actions))
	for _, a := range Actions {
		m[a] = true
	}
	return m
}()

// Valid reports whether a is a member of the action set.
func (a Action) Valid() bool {
	return validActions[a]
}

// ParseAction converts a string to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// ReturnsData reports whether the action's result is plain data that is
// always returned by value rather than as a Descriptor.
func (a Action) ReturnsData() bool {
	switch a {
	case ActionSet, ActionHas, ActionDelete, ActionDeleteProperty, ActionOwnKeys,
		ActionGetPrototypeOf, ActionSetPrototypeOf, ActionGetPropertyDescriptor,
		ActionGetOwnPropertyDescriptor, ActionIsExtensible, ActionPreventExtensions,
		ActionDispose:
		return true
	}
	return false
}
