package resolver

import (
	"github.com/leedenison/portfoliodb/internal/models"
)

// Decision is the arbitrated answer of a fan-out.
type Decision struct {
	// Identifiers are the identifiers to attach, one per namespace.
	Identifiers []models.Identifier
	// Winner is the earliest-ranked resolver whose answer was used.
	Winner        string
	Authoritative bool
	Type          models.InstrumentType
	// Conflict is set when resolvers returned different values in a namespace.
	Conflict bool
	// Candidates holds every successful resolver's identifiers, keyed by resolver.
	Candidates map[string][]models.IdentifierRef
}

// Arbitrate reduces the successes of a fan-out to a single decision.
//
// When no namespace carries two different values, the union of all answers is
// accepted. Otherwise the answer of the earliest-ranked resolver that returned a
// result is used as-is and the decision is flagged as a conflict. It reports
// false when there were no successes.
func Arbitrate(fan FanOut) (*Decision, bool) {
	successes := fan.Successes()
	if len(successes) == 0 {
		return nil, false
	}

	d := &Decision{
		Winner:     successes[0].Resolver,
		Candidates: make(map[string][]models.IdentifierRef, len(successes)),
	}

	values := make(map[string]string)
	for _, s := range successes {
		refs := make([]models.IdentifierRef, 0, len(s.Result.Identifiers))
		for _, id := range s.Result.Identifiers {
			ref := id.Ref()
			refs = append(refs, ref)
			if v, ok := values[ref.Namespace]; ok && v != ref.Value {
				d.Conflict = true
			} else {
				values[ref.Namespace] = ref.Value
			}
		}
		d.Candidates[s.Resolver] = refs
	}

	if d.Conflict {
		w := successes[0].Result
		d.Identifiers = append([]models.Identifier(nil), w.Identifiers...)
		d.Authoritative = w.Authoritative
		d.Type = w.Type
		return d, true
	}

	seen := make(map[string]bool)
	for _, s := range successes {
		for _, id := range s.Result.Identifiers {
			if !seen[id.Namespace] {
				seen[id.Namespace] = true
				d.Identifiers = append(d.Identifiers, id)
			}
		}
		d.Authoritative = d.Authoritative || s.Result.Authoritative
		if d.Type == "" || d.Type == models.InstrumentUnknown {
			d.Type = s.Result.Type
		}
	}
	return d, true
}

// CandidateStrings renders candidates for logging.
func (d *Decision) CandidateStrings() map[string][]string {
	out := make(map[string][]string, len(d.Candidates))
	for name, refs := range d.Candidates {
		for _, r := range refs {
			out[name] = append(out[name], r.String())
		}
	}
	return out
}
