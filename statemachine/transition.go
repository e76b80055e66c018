package statemachine

// TransitionCandidate is one guarded option within a transition list: it
// fires unconditionally if Condition is nil, or when Condition returns
// true.
type TransitionCandidate struct {
	Target    string
	Condition func(input any) bool
}

// Transition is the polymorphic per-node routing declaration: a bare
// next-state name (unconditional, fires only on the empty/"always"
// event), or a per-event-type mapping to one or more guarded
// candidates. Exactly one of Always or ByEvent should be set; a node
// with neither never transitions on its own.
type Transition struct {
	// Always holds the bare-string form: an unconditional next state
	// that ignores events entirely.
	Always string

	// ByEvent maps an event type (empty string means "always", i.e. no
	// event required) to the ordered list of guarded candidates tried
	// for that event.
	ByEvent map[string][]TransitionCandidate
}

// To builds an unconditional bare-string transition.
func To(state string) Transition {
	return Transition{Always: state}
}

// OnEvent builds a transition keyed by event type, each entry an
// ordered list of guarded candidates.
func OnEvent(byEvent map[string][]TransitionCandidate) Transition {
	return Transition{ByEvent: byEvent}
}

// targets enumerates every state name this transition could possibly
// reach, for construction-time validation.
func (t Transition) targets() []string {
	var out []string
	if t.Always != "" {
		out = append(out, t.Always)
	}
	for _, candidates := range t.ByEvent {
		for _, c := range candidates {
			out = append(out, c.Target)
		}
	}
	return out
}

// resolve implements the §4.7 transition-resolution algorithm for a
// given event type (empty string for "always"). It reports the target
// state and whether a transition fired.
func (t Transition) resolve(eventType string, input any) (target string, fired bool) {
	if t.Always != "" {
		if eventType == "" {
			return t.Always, true
		}
		return "", false
	}
	candidates, ok := t.ByEvent[eventType]
	if !ok {
		return "", false
	}
	for _, c := range candidates {
		if c.Condition == nil || c.Condition(input) {
			return c.Target, true
		}
	}
	return "", false
}

// hasAlways reports whether this transition can fire with no event at
// all (the bare-string form, or an explicit empty-string key).
func (t Transition) hasAlways() bool {
	if t.Always != "" {
		return true
	}
	_, ok := t.ByEvent[""]
	return ok
}

// handles reports whether this transition declares any candidate for
// eventType, independent of whether a guard would actually let it fire
// — used by the event-queueing rules to distinguish "no handler" from
// "handler present but its guard declined".
func (t Transition) handles(eventType string) bool {
	if eventType == "" {
		return t.hasAlways()
	}
	_, ok := t.ByEvent[eventType]
	return ok
}
