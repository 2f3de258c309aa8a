package gate

import (
	"time"

	"taskpilot/internal/tools"
)

// Decision is the gate's verdict on a proposed tool call.
type Decision int

const (
	// DecisionExecute - run the call in the same request
	DecisionExecute Decision = iota
	// DecisionConfirm - record a proposal and wait for an explicit confirm
	DecisionConfirm
)

func (d Decision) String() string {
	if d == DecisionExecute {
		return "execute"
	}
	return "confirm"
}

// FullConfidence marks a target that was named by exact id or exact title.
// Anything lower came from fuzzy resolution.
const FullConfidence = 1.0

// Policy holds the operator-controlled knobs for the gate.
type Policy struct {
	// AutoConfirmMutations lets non-destructive mutations run without a
	// confirmation round trip when the target is fully confident.
	AutoConfirmMutations bool
	// ConfirmationWindow is how long a proposal stays actionable before it
	// is treated as abandoned.
	ConfirmationWindow time.Duration
}

// Gate decides whether proposed tool calls execute immediately or wait for
// user confirmation.
type Gate struct {
	policy Policy
}

func New(policy Policy) *Gate {
	return &Gate{policy: policy}
}

// Evaluate applies the confirmation rules to one proposed call.
// Read-only tools always execute. Destructive tools always wait for a
// confirm, whatever the policy says. Other mutations execute only when the
// auto-confirm policy is on and the target was resolved with full confidence.
func (g *Gate) Evaluate(tool *tools.Tool, confidence float64) Decision {
	if tool.Classification == tools.ClassificationSafe {
		return DecisionExecute
	}
	if tool.Destructive {
		return DecisionConfirm
	}
	if g.policy.AutoConfirmMutations && confidence >= FullConfidence {
		return DecisionExecute
	}
	return DecisionConfirm
}

// Expired reports whether a proposal recorded at proposedAt has outlived the
// confirmation window as of now.
func (g *Gate) Expired(proposedAt, now time.Time) bool {
	if g.policy.ConfirmationWindow <= 0 {
		return false
	}
	return now.Sub(proposedAt) > g.policy.ConfirmationWindow
}
