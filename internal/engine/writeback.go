package engine

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/leedenison/portfoliodb/internal/errors"
	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resolver"
	"github.com/leedenison/portfoliodb/internal/store"
)

// plan is the write-back of one decision, computed from committed state
// before the transaction starts. The transaction re-checks it through
// instrument versions and identifier ownership.
type plan struct {
	// target is the instrument the descriptor maps to; nil creates a new one.
	target *models.Instrument
	// attach are the selected identifiers no instrument owns yet.
	attach []models.Identifier
	// partners are other ACTIVE instruments that must be merged with target.
	partners []models.InstrumentID
}

type writeResult struct {
	target   models.InstrumentID
	partners []models.InstrumentID
}

// planWrite picks the target instrument.
//
// The owner of the first selected identifier wins. Owners of further selected
// identifiers become merge partners. The descriptor's previous canonical
// instrument is the target when nothing owns a selected identifier, and a
// merge partner otherwise, unless it carries an identifier that contradicts
// the decision, in which case the descriptor is simply relinked away from it.
func (e *Engine) planWrite(ctx context.Context, d models.Descriptor, decision *resolver.Decision) (*plan, error) {
	p := &plan{}
	owners := make(map[models.InstrumentID]bool)
	var order []*models.Instrument

	for _, id := range decision.Identifiers {
		inst, _, err := e.store.FindByIdentifier(ctx, models.NoUser, id.Ref())
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			p.attach = append(p.attach, id)
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to look up identifier %s: %w", id.Ref(), err)
		}
		if !inst.IsActive() || owners[inst.ID] {
			continue
		}
		owners[inst.ID] = true
		order = append(order, inst)
	}

	m, err := e.store.CanonicalMapping(ctx, d)
	switch {
	case err == nil:
		prior, err := e.store.GetInstrument(ctx, m.Instrument)
		if err != nil {
			return nil, fmt.Errorf("failed to load mapped instrument: %w", err)
		}
		if prior.IsActive() && !owners[prior.ID] {
			ok, err := e.compatible(ctx, prior.ID, decision)
			if err != nil {
				return nil, err
			}
			if ok {
				owners[prior.ID] = true
				order = append(order, prior)
			}
		}
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, fmt.Errorf("failed to read canonical mapping: %w", err)
	}

	if len(order) > 0 {
		p.target = order[0]
		for _, inst := range order[1:] {
			p.partners = append(p.partners, inst.ID)
		}
	}
	return p, nil
}

// compatible reports whether none of the instrument's identifiers disagree
// with the decision in a namespace the decision covers.
func (e *Engine) compatible(ctx context.Context, id models.InstrumentID, decision *resolver.Decision) (bool, error) {
	attached, err := e.store.Identifiers(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to load identifiers: %w", err)
	}
	selected := make(map[string]string, len(decision.Identifiers))
	for _, sel := range decision.Identifiers {
		ref := sel.Ref()
		selected[ref.Namespace] = ref.Value
	}
	for _, a := range attached {
		ref := a.Ref()
		if v, ok := selected[ref.Namespace]; ok && v != ref.Value {
			return false, nil
		}
	}
	return true, nil
}

// writeBack applies a decision in a single store transaction.
func (e *Engine) writeBack(ctx context.Context, d models.Descriptor, decision *resolver.Decision) (*writeResult, error) {
	p, err := e.planWrite(ctx, d, decision)
	if err != nil {
		return nil, err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var target models.InstrumentID
	if p.target == nil {
		inst, err := tx.CreateInstrument(ctx, decision.Type)
		if err != nil {
			return nil, err
		}
		target = inst.ID
	} else {
		if err := tx.TouchInstrument(ctx, p.target.ID, p.target.Version); err != nil {
			return nil, err
		}
		target = p.target.ID
	}

	for _, id := range p.attach {
		if err := tx.AttachIdentifier(ctx, target, id); err != nil {
			return nil, err
		}
	}
	if err := tx.LinkDescriptor(ctx, store.DescriptorLink{
		Layer:         models.LayerCanonical,
		Descriptor:    d,
		Instrument:    target,
		Source:        decision.Winner,
		Authoritative: decision.Authoritative,
	}); err != nil {
		return nil, err
	}
	if _, err := tx.RepointTransactions(ctx, models.LayerCanonical, models.NoUser, d, target); err != nil {
		return nil, err
	}
	if decision.Conflict {
		if err := tx.RecordConflict(ctx, models.Conflict{
			Descriptor: d,
			Winner:     decision.Winner,
			Candidates: decision.Candidates,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.DeleteRetry(ctx, d); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &writeResult{target: target, partners: p.partners}, nil
}
