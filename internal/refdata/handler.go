package refdata

import (
	"context"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/bus"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/domain"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
)

// HandleEvent is the bus handler for the reference-data topic. Updates
// apply under source-priority merging; basket payloads also rewrite the
// constituent edges.
func (s *Store) HandleEvent(ctx context.Context, msg *bus.Message) error {
	var evt domain.CanonicalEvent
	if err := msg.Decode(&evt); err != nil {
		return errs.Wrap(err, errs.Validation, "bad_event", "undecodable event on %s", msg.Topic)
	}
	if evt.Type != domain.EventReferenceData {
		return errs.New(errs.Validation, "wrong_topic", "event type %q not handled by reference store", evt.Type)
	}

	var upd domain.ReferenceUpdate
	if err := evt.DecodePayload(&upd); err != nil {
		return errs.Wrap(err, errs.Validation, "bad_payload", "reference payload rejected")
	}

	if _, err := s.UpsertSecurity(ctx, &upd.Security, evt.Source, false); err != nil {
		return err
	}
	if len(upd.Constituents) > 0 {
		if err := s.SetBasketConstituents(upd.Security.InternalID, upd.Constituents); err != nil {
			return err
		}
	}
	return nil
}
