package lifecycle

import "github.com/chemist-sh/chemist/internal/model"

// Action is the two-variant sum from §4.4/§9: NoOp or Redistributed(delta).
//
// §9's design notes flag that the source treats `case _` and
// `case Redistributed` identically in its dispatch and asks whether that's
// deliberate. The decision recorded in DESIGN.md is: yes, deliberately —
// every Action that carries a delta (including an empty Redistributed
// delta) goes through the same distribute sink, and a NoOp is simply an
// Action whose Delta is nil, which IsRedistribution filters out, so there
// is one sink path rather than a per-variant switch.
type Action struct {
	Delta map[model.FlaskId][]model.Target
}

// NoOp is the zero-delta Action.
func NoOp() Action { return Action{} }

// Redistributed wraps a non-empty (or empty-but-meaningful, e.g. "no
// Active flasks remain") delta.
func Redistributed(delta map[model.FlaskId][]model.Target) Action {
	return Action{Delta: delta}
}

// IsRedistribution reports whether this Action carries a delta to sink.
func (a Action) IsRedistribution() bool { return a.Delta != nil }
