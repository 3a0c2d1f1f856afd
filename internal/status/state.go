// Package status models the lifecycle of one managed session as a finite
// state machine driven by messaging client events.
package status

import (
	"fmt"
	"slices"

	"github.com/matheus3301/leadsync/internal/messaging"
)

// State is a session lifecycle state. The string values are the ones
// reported by the HTTP API.
type State string

const (
	Initializing State = "INITIALIZING"
	AwaitingCode State = "QR"
	Connected    State = "CONNECTED"
	Disconnected State = "DISCONNECTED"
)

// validTransitions lists the states reachable from each state.
var validTransitions = map[State][]State{
	Initializing: {AwaitingCode, Connected, Disconnected},
	AwaitingCode: {AwaitingCode, Connected, Disconnected},
	Connected:    {Connected, Disconnected},
	Disconnected: {AwaitingCode, Connected, Disconnected},
}

// Effects are the side effects a transition asks the owner to perform.
type Effects struct {
	// Persist rewrites the set of known session ids.
	Persist bool
	// StoreCode keeps the event's code as the pending code.
	StoreCode bool
	// ClearCode drops any pending code.
	ClearCode bool
	// StampActivity sets last activity to now.
	StampActivity bool
	// SelfHeal replaces the crashed client, if the session allows it.
	SelfHeal bool
}

// Next computes the state following evt and the effects to run. It has no
// side effects of its own. Transient error events keep the current state
// and produce no effects.
func Next(from State, evt messaging.Event) (State, Effects, error) {
	var (
		to  State
		eff Effects
	)
	switch evt.Type {
	case messaging.EventCodeIssued:
		to = AwaitingCode
		eff = Effects{Persist: true, StoreCode: true}
	case messaging.EventReady:
		to = Connected
		eff = Effects{Persist: true, ClearCode: true, StampActivity: true}
	case messaging.EventDisconnected:
		to = Disconnected
		eff = Effects{Persist: true, ClearCode: true}
	case messaging.EventError:
		if evt.Kind != messaging.KindCrash {
			return from, Effects{}, nil
		}
		to = Disconnected
		eff = Effects{ClearCode: true, SelfHeal: true}
	default:
		return from, Effects{}, fmt.Errorf("unknown event type %q", evt.Type)
	}

	if !slices.Contains(validTransitions[from], to) {
		return from, Effects{}, fmt.Errorf("invalid transition from %s to %s on %s", from, to, evt.Type)
	}
	return to, eff, nil
}

// StatusChange is the bus payload for a session state transition.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
