package priorauth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/platform/authz"
	"github.com/ehr/priorauth/internal/platform/db"
	"github.com/ehr/priorauth/internal/platform/events"
)

// Caller is an identity already verified by the transport layer.
type Caller struct {
	ID    string
	Roles []string
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Adjudicator decides whether a caller may perform a payer-side action.
type Adjudicator interface {
	Authorize(ctx context.Context, req authz.Request) authz.Decision
}

// Metrics receives one observation per operation.
type Metrics interface {
	ObserveOperation(operation, outcome string)
}

const (
	actionReview   = "review"
	actionSchedule = "schedule_peer_to_peer"
)

type Service struct {
	store   Store
	clock   Clock
	events  events.Publisher
	policy  Adjudicator
	metrics Metrics
	logger  zerolog.Logger
}

func NewService(store Store) *Service {
	return &Service{
		store:  store,
		clock:  systemClock{},
		events: events.Discard,
		logger: zerolog.Nop(),
	}
}

func (s *Service) SetClock(c Clock)                { s.clock = c }
func (s *Service) SetPublisher(p events.Publisher) { s.events = p }
func (s *Service) SetMetrics(m Metrics)            { s.metrics = m }
func (s *Service) SetLogger(l zerolog.Logger)      { s.logger = l }

// SetAdjudicator installs the policy consulted by review and
// schedule_peer_to_peer. Without one any authenticated caller may adjudicate.
func (s *Service) SetAdjudicator(a Adjudicator) { s.policy = a }

// unit collects events raised inside an atomic unit so they are published
// only once the unit commits.
type unit struct {
	now     time.Time
	pending []events.Event
}

func (u *unit) stamp() *time.Time {
	t := u.now
	return &t
}

func (u *unit) emit(eventType, resourceType string, id uint64, attrs map[string]any) {
	u.pending = append(u.pending, events.New(eventType, resourceType, id, u.now, attrs))
}

// run executes fn as one serialized unit, then publishes its events and
// records the outcome. Events are published whenever the unit committed,
// including the expiry path of TrackUsage which commits and still fails.
func (s *Service) run(ctx context.Context, op string, fn func(tx Tx, u *unit) error) error {
	u := &unit{now: s.clock.Now()}
	var post error
	err := s.store.Atomically(ctx, func(tx Tx) error {
		err := fn(tx, u)
		var c *committedError
		if errors.As(err, &c) {
			post = c.err
			return nil
		}
		return err
	})
	if err == nil {
		tenant := db.TenantFromContext(ctx)
		for _, e := range u.pending {
			e.TenantID = tenant
			s.events.Publish(ctx, e)
		}
		err = post
	} else {
		err = normalize(err)
	}
	s.observe(op, err)
	return err
}

// committedError marks a failure whose writes must still be committed.
type committedError struct{ err error }

func (e *committedError) Error() string { return e.err.Error() }
func (e *committedError) Unwrap() error { return e.err }

func (s *Service) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(CodeOf(err))
		if outcome == "" {
			outcome = "error"
			s.logger.Error().Err(err).Str("operation", op).Msg("prior authorization operation failed")
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, outcome)
	}
}

// normalize turns a leaked store miss into the request-level error code.
func normalize(err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrRequestNotFound
	}
	return err
}

func loadRequest(ctx context.Context, tx Tx, id uint64) (*AuthorizationRequest, error) {
	r, err := tx.GetRequest(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

// loadOwned loads a request and checks the caller is its provider.
func loadOwned(ctx context.Context, tx Tx, id uint64, caller Caller) (*AuthorizationRequest, error) {
	r, err := loadRequest(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if caller.ID == "" || r.ProviderID != caller.ID {
		return nil, ErrUnauthorized
	}
	return r, nil
}

func (s *Service) adjudicate(ctx context.Context, caller Caller, action string, r *AuthorizationRequest) error {
	if s.policy == nil {
		return nil
	}
	d := s.policy.Authorize(ctx, authz.Request{
		PrincipalID:  caller.ID,
		Roles:        caller.Roles,
		Action:       action,
		ResourceType: "AuthorizationRequest",
		ResourceID:   strconv.FormatUint(r.ID, 10),
		Attributes: map[string]string{
			"provider_id": r.ProviderID,
			"patient_id":  r.PatientID,
			"status":      string(r.Status),
		},
	})
	if !d.Allowed {
		s.logger.Warn().
			Str("caller", caller.ID).
			Str("action", action).
			Uint64("auth_request_id", r.ID).
			Str("reason", d.Reason).
			Msg("adjudication denied")
		return ErrForbidden
	}
	return nil
}

// SubmitInput carries a new authorization request.
type SubmitInput struct {
	ProviderID                string
	PatientID                 string
	PolicyID                  uint64
	AuthorizationType         string
	RequestedService          string
	ServiceCodes              []string
	DiagnosisCodes            []string
	ClinicalJustificationHash Hash
	Urgency                   string
}

// Submit creates a request in Submitted status and returns its id.
func (s *Service) Submit(ctx context.Context, caller Caller, in SubmitInput) (uint64, error) {
	var id uint64
	err := s.run(ctx, "submit", func(tx Tx, u *unit) error {
		if caller.ID == "" || caller.ID != in.ProviderID {
			return ErrUnauthorized
		}
		if in.PatientID == "" {
			return invalidf("patient_id is required")
		}

		next, err := tx.NextAuthRequestID(ctx)
		if err != nil {
			return err
		}
		req := &AuthorizationRequest{
			ID:                        next,
			ProviderID:                in.ProviderID,
			PatientID:                 in.PatientID,
			PolicyID:                  in.PolicyID,
			AuthorizationType:         in.AuthorizationType,
			RequestedService:          in.RequestedService,
			ServiceCodes:              append([]string(nil), in.ServiceCodes...),
			DiagnosisCodes:            append([]string(nil), in.DiagnosisCodes...),
			ClinicalJustificationHash: in.ClinicalJustificationHash,
			Urgency:                   in.Urgency,
			Status:                    StatusSubmitted,
			SubmittedAt:               u.now,
		}
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		if err := tx.AppendProviderRequest(ctx, req.ProviderID, req.ID); err != nil {
			return err
		}
		if err := tx.AppendPatientRequest(ctx, req.PatientID, req.ID); err != nil {
			return err
		}

		u.emit("auth_submitted", "AuthorizationRequest", req.ID, map[string]any{
			"provider_id": req.ProviderID,
			"patient_id":  req.PatientID,
			"urgency":     req.Urgency,
		})
		id = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AttachDocument appends supporting evidence without changing status.
func (s *Service) AttachDocument(ctx context.Context, caller Caller, requestID uint64, docHash Hash, docType string) error {
	return s.run(ctx, "attach_document", func(tx Tx, u *unit) error {
		req, err := loadOwned(ctx, tx, requestID, caller)
		if err != nil {
			return err
		}
		doc := &SupportingDocument{
			AuthRequestID: req.ID,
			ProviderID:    caller.ID,
			DocumentHash:  docHash,
			DocumentType:  docType,
			AttachedAt:    u.now,
		}
		if err := tx.AppendDocument(ctx, doc); err != nil {
			return err
		}
		u.emit("document_attached", "AuthorizationRequest", req.ID, map[string]any{
			"document_hash": docHash.String(),
			"document_type": docType,
		})
		return nil
	})
}

// ReviewInput is a reviewer's decision. ApprovedUnits and the validity window
// are only read for DecisionApprove.
type ReviewInput struct {
	Decision      Decision
	ApprovedUnits *uint32
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	Notes         string
}

// Review renders a decision on a pending or appealed request.
func (s *Service) Review(ctx context.Context, reviewer Caller, requestID uint64, in ReviewInput) error {
	return s.run(ctx, "review", func(tx Tx, u *unit) error {
		if reviewer.ID == "" {
			return ErrUnauthorized
		}
		req, err := loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if !req.Status.Reviewable() {
			return ErrInvalidStatusTransition
		}
		if err := s.adjudicate(ctx, reviewer, actionReview, req); err != nil {
			return err
		}

		switch in.Decision {
		case DecisionApprove:
			if (in.ValidFrom == nil) != (in.ValidUntil == nil) {
				return invalidf("valid_from and valid_until must be set together")
			}
			if in.ValidFrom != nil && in.ValidUntil.Before(*in.ValidFrom) {
				return invalidf("valid_until precedes valid_from")
			}
			req.Status = StatusApproved
			req.ApprovedUnits = in.ApprovedUnits
			req.ValidFrom = in.ValidFrom
			req.ValidUntil = in.ValidUntil
			req.DecisionDate = u.stamp()
		case DecisionDeny:
			req.Status = StatusDenied
			req.DecisionDate = u.stamp()
		case DecisionRequestMoreInfo:
			req.Status = StatusMoreInfoNeeded
		default:
			return ErrInvalidDecision
		}
		d := in.Decision
		req.Decision = &d

		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		attrs := map[string]any{
			"decision":    in.Decision.String(),
			"reviewer_id": reviewer.ID,
		}
		if in.Notes != "" {
			attrs["notes"] = in.Notes
		}
		u.emit("auth_reviewed", "AuthorizationRequest", req.ID, attrs)
		return nil
	})
}

// Expedite flags an unresolved request for faster handling. The flag is never cleared.
func (s *Service) Expedite(ctx context.Context, caller Caller, requestID uint64, justification string, expectedServiceDate time.Time) error {
	return s.run(ctx, "expedite", func(tx Tx, u *unit) error {
		req, err := loadOwned(ctx, tx, requestID, caller)
		if err != nil {
			return err
		}
		if !req.Status.Expeditable() {
			return ErrInvalidStatusTransition
		}
		req.Expedited = true
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		u.emit("auth_expedited", "AuthorizationRequest", req.ID, map[string]any{
			"expected_service_date": expectedServiceDate.UTC(),
			"justification":         justification,
		})
		return nil
	})
}

// GetStatus returns the request summary to any authenticated caller.
func (s *Service) GetStatus(ctx context.Context, caller Caller, requestID uint64) (*AuthorizationInfo, error) {
	var info *AuthorizationInfo
	err := s.read(ctx, caller, func(tx Tx) error {
		req, err := loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		info = req.Info()
		return nil
	})
	return info, err
}

// GetRequest returns the full record including codes and flags.
func (s *Service) GetRequest(ctx context.Context, caller Caller, requestID uint64) (*AuthorizationRequest, error) {
	var out *AuthorizationRequest
	err := s.read(ctx, caller, func(tx Tx) error {
		req, err := loadRequest(ctx, tx, requestID)
		out = req
		return err
	})
	return out, err
}

// read runs a lookup in its own unit. Reads require an identity but no ownership.
func (s *Service) read(ctx context.Context, caller Caller, fn func(tx Tx) error) error {
	if caller.ID == "" {
		return ErrUnauthorized
	}
	err := s.store.Atomically(ctx, fn)
	if err != nil && CodeOf(err) == "" && !errors.Is(err, ErrNotFound) {
		s.logger.Error().Err(err).Msg("prior authorization read failed")
	}
	return normalize(err)
}

func (s *Service) ListDocuments(ctx context.Context, caller Caller, requestID uint64) ([]*SupportingDocument, error) {
	var out []*SupportingDocument
	err := s.read(ctx, caller, func(tx Tx) error {
		if _, err := loadRequest(ctx, tx, requestID); err != nil {
			return err
		}
		docs, err := tx.ListDocuments(ctx, requestID)
		out = docs
		return err
	})
	return out, err
}

// ListByProvider pages through the request ids a provider has submitted, oldest first.
func (s *Service) ListByProvider(ctx context.Context, caller Caller, providerID string, limit, offset int) ([]uint64, int, error) {
	var ids []uint64
	var total int
	err := s.read(ctx, caller, func(tx Tx) error {
		var err error
		ids, total, err = tx.ListProviderRequests(ctx, providerID, limit, offset)
		return err
	})
	return ids, total, err
}

func (s *Service) ListByPatient(ctx context.Context, caller Caller, patientID string, limit, offset int) ([]uint64, int, error) {
	var ids []uint64
	var total int
	err := s.read(ctx, caller, func(tx Tx) error {
		var err error
		ids, total, err = tx.ListPatientRequests(ctx, patientID, limit, offset)
		return err
	})
	return ids, total, err
}
