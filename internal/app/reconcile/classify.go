// Package reconcile turns verified payment-provider events into exactly-once
// state transitions.
//
// Every handler drives a single atomic guard in the store (a conditional
// UPDATE or a keyed INSERT) and writes its secondary effects to the outbox in
// the same transaction. Replaying an event therefore changes nothing and
// reports already_applied; a failed primary write returns an error so the
// provider redelivers.
package reconcile

import (
	"github.com/tillcloud/reconciler/internal/domain"
)

// Classify maps an envelope onto the closed variant set. Checkout
// completions are tagged by metadata "type"; an absent or unrecognised tag,
// and any other event kind, is VariantUnknown.
func Classify(env *domain.Envelope) domain.Variant {
	switch env.Kind {
	case domain.KindCheckoutCompleted:
		return domain.VariantForTag(env.Meta("type"))
	case domain.KindAccountUpdated:
		return domain.VariantAccountOnboarded
	default:
		return domain.VariantUnknown
	}
}

// Outcome is how a handled event ended. Every outcome is acknowledged.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeIgnored        Outcome = "ignored"
)

// Result describes a handled event.
type Result struct {
	Variant domain.Variant `json:"-"`
	Outcome Outcome        `json:"outcome"`
	Detail  string         `json:"detail,omitempty"`
}

func applied(v domain.Variant, detail string) Result {
	return Result{Variant: v, Outcome: OutcomeApplied, Detail: detail}
}

func alreadyApplied(v domain.Variant, detail string) Result {
	return Result{Variant: v, Outcome: OutcomeAlreadyApplied, Detail: detail}
}

func notFound(v domain.Variant, detail string) Result {
	return Result{Variant: v, Outcome: OutcomeNotFound, Detail: detail}
}

func ignored(v domain.Variant, detail string) Result {
	return Result{Variant: v, Outcome: OutcomeIgnored, Detail: detail}
}
