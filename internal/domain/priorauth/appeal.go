package priorauth

import (
	"context"
	"errors"
)

// AppealInput is one escalation against a denial.
type AppealInput struct {
	Level                  uint32
	ReasonHash             Hash
	AdditionalEvidenceHash *Hash
}

// Appeal files the next appeal level against a denied request and returns
// the new appeal id. Levels run 1..MaxAppealLevel and must strictly increase.
func (s *Service) Appeal(ctx context.Context, caller Caller, requestID uint64, in AppealInput) (uint64, error) {
	var appealID uint64
	err := s.run(ctx, "appeal", func(tx Tx, u *unit) error {
		req, err := loadOwned(ctx, tx, requestID, caller)
		if err != nil {
			return err
		}
		if !req.Status.Appealable() {
			return ErrNotDenied
		}
		if in.Level == 0 {
			return invalidf("appeal_level must be between 1 and %d", MaxAppealLevel)
		}
		if in.Level > MaxAppealLevel {
			return ErrMaxAppealLevelReached
		}

		prior, err := tx.ListAppeals(ctx, requestID)
		if err != nil {
			return err
		}
		if n := len(prior); n > 0 && in.Level <= prior[n-1].Level {
			return ErrMaxAppealLevelReached
		}

		id, err := tx.NextAppealID(ctx)
		if err != nil {
			return err
		}
		a := &Appeal{
			ID:            id,
			AuthRequestID: requestID,
			ProviderID:    caller.ID,
			Level:         in.Level,
			ReasonHash:    in.ReasonHash,
			SubmittedAt:   u.now,
		}
		if in.AdditionalEvidenceHash != nil {
			h := *in.AdditionalEvidenceHash
			a.AdditionalEvidenceHash = &h
		}
		if err := tx.SaveAppeal(ctx, a); err != nil {
			return err
		}

		req.Status = StatusAppealed
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}

		u.emit("denial_appealed", "AuthorizationRequest", requestID, map[string]any{
			"appeal_id":    id,
			"appeal_level": in.Level,
		})
		appealID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return appealID, nil
}

// GetAppeal looks an appeal up by its own id.
func (s *Service) GetAppeal(ctx context.Context, caller Caller, appealID uint64) (*Appeal, error) {
	var out *Appeal
	err := s.read(ctx, caller, func(tx Tx) error {
		a, err := tx.GetAppeal(ctx, appealID)
		if errors.Is(err, ErrNotFound) {
			return ErrAppealNotFound
		}
		out = a
		return err
	})
	return out, err
}

// ListAppeals returns a request's appeals in filing order.
func (s *Service) ListAppeals(ctx context.Context, caller Caller, requestID uint64) ([]*Appeal, error) {
	var out []*Appeal
	err := s.read(ctx, caller, func(tx Tx) error {
		if _, err := loadRequest(ctx, tx, requestID); err != nil {
			return err
		}
		appeals, err := tx.ListAppeals(ctx, requestID)
		out = appeals
		return err
	})
	return out, err
}
