package priorauth

import (
	"context"
	"errors"
	"time"
)

// Extend records a request for more units. It is advisory: the approved
// ceiling only changes through review, and a later call replaces an earlier one.
func (s *Service) Extend(ctx context.Context, caller Caller, requestID uint64, reason string, additionalUnits uint32) error {
	return s.run(ctx, "extend", func(tx Tx, u *unit) error {
		req, err := loadOwned(ctx, tx, requestID, caller)
		if err != nil {
			return err
		}
		if req.Status != StatusApproved {
			return ErrNotApproved
		}
		ext := &ExtensionRequest{
			AuthRequestID:            requestID,
			ProviderID:               caller.ID,
			Reason:                   reason,
			RequestedAdditionalUnits: additionalUnits,
			RequestedAt:              u.now,
		}
		if err := tx.SaveExtension(ctx, ext); err != nil {
			return err
		}
		u.emit("extension_requested", "AuthorizationRequest", requestID, map[string]any{
			"requested_additional_units": additionalUnits,
		})
		return nil
	})
}

// TrackUsage consumes units from an approved request's budget.
//
// Expiry is checked first against the current time, not serviceDate. A
// lapsed request is moved to Expired and that change is kept even though
// the call fails with ErrAuthorizationExpired. A ceiling overrun changes nothing.
func (s *Service) TrackUsage(ctx context.Context, caller Caller, requestID uint64, units uint32, serviceDate time.Time) error {
	return s.run(ctx, "track_usage", func(tx Tx, u *unit) error {
		req, err := loadOwned(ctx, tx, requestID, caller)
		if err != nil {
			return err
		}
		if req.Status != StatusApproved {
			return ErrNotApproved
		}

		if req.ValidUntil != nil && u.now.After(*req.ValidUntil) {
			req.Status = StatusExpired
			if err := tx.SaveRequest(ctx, req); err != nil {
				return err
			}
			u.emit("auth_expired", "AuthorizationRequest", requestID, map[string]any{
				"valid_until": req.ValidUntil.UTC(),
			})
			return &committedError{err: ErrAuthorizationExpired}
		}

		total := uint64(req.UnitsUsed) + uint64(units)
		if req.ApprovedUnits != nil && total > uint64(*req.ApprovedUnits) {
			return ErrExceedsApprovedUnits
		}
		if total > uint64(^uint32(0)) {
			return ErrExceedsApprovedUnits
		}
		req.UnitsUsed = uint32(total)
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}

		rec := &UsageRecord{
			AuthRequestID: requestID,
			ProviderID:    caller.ID,
			UnitsUsed:     units,
			ServiceDate:   serviceDate.UTC(),
			RecordedAt:    u.now,
		}
		if err := tx.AppendUsage(ctx, rec); err != nil {
			return err
		}

		attrs := map[string]any{
			"units_used":  units,
			"total_units": req.UnitsUsed,
		}
		if left := req.RemainingUnits(); left != nil {
			attrs["remaining_units"] = *left
		}
		u.emit("usage_tracked", "AuthorizationRequest", requestID, attrs)
		return nil
	})
}

// ListUsage returns the usage audit trail in recording order.
func (s *Service) ListUsage(ctx context.Context, caller Caller, requestID uint64) ([]*UsageRecord, error) {
	var out []*UsageRecord
	err := s.read(ctx, caller, func(tx Tx) error {
		if _, err := loadRequest(ctx, tx, requestID); err != nil {
			return err
		}
		records, err := tx.ListUsage(ctx, requestID)
		out = records
		return err
	})
	return out, err
}

// GetExtension returns the latest extension request, or nil when none was made.
func (s *Service) GetExtension(ctx context.Context, caller Caller, requestID uint64) (*ExtensionRequest, error) {
	var out *ExtensionRequest
	err := s.read(ctx, caller, func(tx Tx) error {
		if _, err := loadRequest(ctx, tx, requestID); err != nil {
			return err
		}
		ext, err := tx.GetExtension(ctx, requestID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		out = ext
		return err
	})
	return out, err
}
