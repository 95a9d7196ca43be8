package validation

import (
	"fmt"
	"strings"
)

// Topology selects the transition graph for a treatment
type Topology string

const (
	TopologyPancreasProstate Topology = "pancreas_prostate"
	TopologySkin             Topology = "skin"
	TopologyGeneric          Topology = "generic"
)

// TopologyFor maps a clinical indication to its topology. Unknown or empty
// indications fall back to the generic graph.
func TopologyFor(indication string) Topology {
	switch strings.ToLower(strings.TrimSpace(indication)) {
	case "pancreas", "prostate":
		return TopologyPancreasProstate
	case "skin":
		return TopologySkin
	default:
		return TopologyGeneric
	}
}

type graph map[Status][]Status

var topologies = map[Topology]graph{
	TopologyPancreasProstate: {
		StatusSealed: {StatusOpened},
		StatusOpened: {StatusLoaded, StatusFaulty, StatusDisposed},
		StatusLoaded: {StatusInserted, StatusDischarged, StatusDeploymentFailure},
	},
	TopologySkin: {
		StatusSealed: {StatusInserted, StatusFaulty},
	},
	// Failure statuses keep outgoing edges here so a wrong entry can be
	// corrected downstream.
	TopologyGeneric: {
		StatusSealed:            {StatusOpened, StatusFaulty},
		StatusOpened:            {StatusLoaded, StatusFaulty, StatusDisposed},
		StatusLoaded:            {StatusInserted, StatusFaulty, StatusDeploymentFailure},
		StatusInserted:          {StatusDischarged, StatusDisposed},
		StatusFaulty:            {StatusDisposed, StatusDischarged},
		StatusDeploymentFailure: {StatusDisposed, StatusFaulty},
	},
}

func (t Topology) graph() graph {
	if g, ok := topologies[t]; ok {
		return g
	}
	return topologies[TopologyGeneric]
}

// Next returns the statuses reachable from s in one step
func (t Topology) Next(s Status) []Status {
	next := t.graph()[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

func (t Topology) permits(from, to Status) bool {
	for _, s := range t.graph()[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition may leave s under t. The specific
// topologies treat all five outcome statuses as terminal; the generic one
// only the statuses without outgoing edges.
func IsTerminal(s Status, t Topology) bool {
	if t == TopologyPancreasProstate || t == TopologySkin {
		return terminalStatuses[s]
	}
	return s.Valid() && len(t.graph()[s]) == 0
}

// TransitionRequest is the input of Check
type TransitionRequest struct {
	Topology Topology
	From     Status
	To       Status
	Offline  bool
}

// Check evaluates a proposed status change. It has no side effects.
func Check(req TransitionRequest) Result {
	topology := req.Topology
	if _, ok := topologies[topology]; !ok {
		topology = TopologyGeneric
	}

	if req.From != Unscanned && !req.From.Valid() {
		return reject(fmt.Sprintf("unknown current status %q", string(req.From)))
	}
	if req.To == Unscanned {
		return reject("a status cannot be cleared")
	}
	if !req.To.Valid() {
		return reject(fmt.Sprintf("unknown status %q", string(req.To)))
	}

	if req.From == req.To {
		return allow(LevelNone, fmt.Sprintf("status is already %s", req.To))
	}

	from := req.From
	var res Result
	switch {
	case from == Unscanned && req.To == StatusSealed:
		res = allow(LevelInfo, "initial registration as SEALED")
	case from == Unscanned:
		// first scan is evaluated as if the applicator were registered SEALED
		if !topology.permits(StatusSealed, req.To) {
			return reject(fmt.Sprintf("%s -> %s is not permitted for %s treatments", req.From, req.To, topology))
		}
		res = allow(LevelNone, fmt.Sprintf("%s -> %s", req.From, req.To))
	case IsTerminal(from, topology):
		return reject(fmt.Sprintf("%s is terminal for %s treatments", from, topology))
	case !topology.permits(from, req.To):
		return reject(fmt.Sprintf("%s -> %s is not permitted for %s treatments", from, req.To, topology))
	default:
		res = allow(LevelNone, fmt.Sprintf("%s -> %s", from, req.To))
	}

	if RequiresConfirmation(req.To) {
		res.RequiresConfirmation = true
		res.Level = LevelWarning
		res.Reason = fmt.Sprintf("%s is irreversible and must be confirmed", req.To)
	}

	if req.Offline {
		if res.Level == LevelNone {
			res.Level = LevelInfo
		}
		res.Reason += "; recorded offline and synced on reconnect"
	}

	return res
}

// ValidateReason enforces a non-empty reason for failure-class statuses
func ValidateReason(to Status, reason string) Result {
	if RequiresReason(to) && strings.TrimSpace(reason) == "" {
		return reject(fmt.Sprintf("a reason is required when marking an applicator %s", to))
	}
	return allow(LevelNone, "")
}
