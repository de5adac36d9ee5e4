package priorauth

import (
	"context"
	"errors"
	"time"
)

// RequestPeerToPeer opens the request's single peer-to-peer slot. A request
// still waiting on the payer moves to UnderReview.
func (s *Service) RequestPeerToPeer(ctx context.Context, caller Caller, requestID uint64, requestedDate time.Time, preferredTimes []string) error {
	return s.run(ctx, "request_peer_to_peer", func(tx Tx, u *unit) error {
		req, err := loadOwned(ctx, tx, requestID, caller)
		if err != nil {
			return err
		}

		_, err = tx.GetPeerToPeer(ctx, requestID)
		switch {
		case err == nil:
			return ErrPeerToPeerAlreadyScheduled
		case !errors.Is(err, ErrNotFound):
			return err
		}

		p2p := &PeerToPeerRequest{
			AuthRequestID:  requestID,
			ProviderID:     caller.ID,
			RequestedDate:  requestedDate.UTC(),
			PreferredTimes: append([]string(nil), preferredTimes...),
		}
		if err := tx.SavePeerToPeer(ctx, p2p); err != nil {
			return err
		}

		if req.Status == StatusSubmitted || req.Status == StatusMoreInfoNeeded {
			req.Status = StatusUnderReview
			if err := tx.SaveRequest(ctx, req); err != nil {
				return err
			}
		}

		u.emit("p2p_requested", "AuthorizationRequest", requestID, map[string]any{
			"provider_id": caller.ID,
		})
		return nil
	})
}

// SchedulePeerToPeer books the call. It may be repeated to reschedule and
// always leaves the request in PeerToPeerScheduled.
func (s *Service) SchedulePeerToPeer(ctx context.Context, admin Caller, requestID uint64, scheduledTime time.Time, medicalDirector string) error {
	return s.run(ctx, "schedule_peer_to_peer", func(tx Tx, u *unit) error {
		if admin.ID == "" {
			return ErrUnauthorized
		}
		if medicalDirector == "" {
			return invalidf("medical_director is required")
		}
		req, err := loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		p2p, err := tx.GetPeerToPeer(ctx, requestID)
		if errors.Is(err, ErrNotFound) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if err := s.adjudicate(ctx, admin, actionSchedule, req); err != nil {
			return err
		}

		at := scheduledTime.UTC()
		p2p.ScheduledTime = &at
		p2p.MedicalDirector = &medicalDirector
		if err := tx.SavePeerToPeer(ctx, p2p); err != nil {
			return err
		}

		req.Status = StatusPeerToPeerScheduled
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}

		u.emit("p2p_scheduled", "AuthorizationRequest", requestID, map[string]any{
			"scheduled_time":   at,
			"medical_director": medicalDirector,
			"scheduled_by":     admin.ID,
		})
		return nil
	})
}

// GetPeerToPeer returns the request's peer-to-peer record, or nil when none was requested.
func (s *Service) GetPeerToPeer(ctx context.Context, caller Caller, requestID uint64) (*PeerToPeerRequest, error) {
	var out *PeerToPeerRequest
	err := s.read(ctx, caller, func(tx Tx) error {
		if _, err := loadRequest(ctx, tx, requestID); err != nil {
			return err
		}
		p2p, err := tx.GetPeerToPeer(ctx, requestID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		out = p2p
		return err
	})
	return out, err
}
