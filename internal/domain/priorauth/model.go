package priorauth

import (
	"encoding/hex"
	"fmt"
	"time"
)

// MaxAppealLevel is the highest escalation tier an appeal may reach.
const MaxAppealLevel = 3

// AuthStatus is the lifecycle state of an authorization request.
type AuthStatus string

const (
	StatusSubmitted           AuthStatus = "submitted"
	StatusUnderReview         AuthStatus = "under_review"
	StatusMoreInfoNeeded      AuthStatus = "more_info_needed"
	StatusPeerToPeerScheduled AuthStatus = "peer_to_peer_scheduled"
	StatusApproved            AuthStatus = "approved"
	StatusDenied              AuthStatus = "denied"
	StatusAppealed            AuthStatus = "appealed"
	StatusExpired             AuthStatus = "expired"
)

var validStatuses = map[AuthStatus]bool{
	StatusSubmitted:           true,
	StatusUnderReview:         true,
	StatusMoreInfoNeeded:      true,
	StatusPeerToPeerScheduled: true,
	StatusApproved:            true,
	StatusDenied:              true,
	StatusAppealed:            true,
	StatusExpired:             true,
}

// Valid reports whether s is a known status.
func (s AuthStatus) Valid() bool { return validStatuses[s] }

// Reviewable reports whether a reviewer may render a decision. An appealed
// request goes back in front of a reviewer.
func (s AuthStatus) Reviewable() bool {
	switch s {
	case StatusSubmitted, StatusUnderReview, StatusMoreInfoNeeded, StatusPeerToPeerScheduled, StatusAppealed:
		return true
	}
	return false
}

// Expeditable reports whether the request is still unresolved enough to expedite.
func (s AuthStatus) Expeditable() bool {
	switch s {
	case StatusSubmitted, StatusUnderReview, StatusMoreInfoNeeded:
		return true
	}
	return false
}

// Appealable reports whether a provider may file an appeal.
func (s AuthStatus) Appealable() bool {
	return s == StatusDenied || s == StatusAppealed
}

// Decision is the outcome a reviewer renders. The zero value is not a decision.
type Decision int

const (
	DecisionUnknown Decision = iota
	DecisionApprove
	DecisionDeny
	DecisionRequestMoreInfo
)

var decisionTags = map[Decision]string{
	DecisionApprove:         "approved",
	DecisionDeny:            "denied",
	DecisionRequestMoreInfo: "more_info_needed",
}

// ParseDecision maps a wire tag onto a Decision.
func ParseDecision(tag string) (Decision, error) {
	for d, t := range decisionTags {
		if t == tag {
			return d, nil
		}
	}
	return DecisionUnknown, ErrInvalidDecision
}

func (d Decision) String() string {
	if t, ok := decisionTags[d]; ok {
		return t
	}
	return "unknown"
}

func (d Decision) MarshalText() ([]byte, error) {
	t, ok := decisionTags[d]
	if !ok {
		return nil, ErrInvalidDecision
	}
	return []byte(t), nil
}

func (d *Decision) UnmarshalText(b []byte) error {
	parsed, err := ParseDecision(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Hash is a 32-byte content digest of an off-record document.
type Hash [32]byte

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return invalidf("%v", err)
	}
	*h = parsed
	return nil
}

// AuthorizationRequest is one prior-authorization case.
type AuthorizationRequest struct {
	ID                        uint64     `db:"id" json:"auth_request_id"`
	ProviderID                string     `db:"provider_id" json:"provider_id"`
	PatientID                 string     `db:"patient_id" json:"patient_id"`
	PolicyID                  uint64     `db:"policy_id" json:"policy_id"`
	AuthorizationType         string     `db:"authorization_type" json:"authorization_type"`
	RequestedService          string     `db:"requested_service" json:"requested_service"`
	ServiceCodes              []string   `db:"service_codes" json:"service_codes"`
	DiagnosisCodes            []string   `db:"diagnosis_codes" json:"diagnosis_codes"`
	ClinicalJustificationHash Hash       `db:"clinical_justification_hash" json:"clinical_justification_hash"`
	Urgency                   string     `db:"urgency" json:"urgency"`
	Status                    AuthStatus `db:"status" json:"status"`
	Decision                  *Decision  `db:"decision" json:"decision,omitempty"`
	ApprovedUnits             *uint32    `db:"approved_units" json:"approved_units,omitempty"`
	UnitsUsed                 uint32     `db:"units_used" json:"units_used"`
	ValidFrom                 *time.Time `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil                *time.Time `db:"valid_until" json:"valid_until,omitempty"`
	SubmittedAt               time.Time  `db:"submitted_at" json:"submitted_at"`
	DecisionDate              *time.Time `db:"decision_date" json:"decision_date,omitempty"`
	Expedited                 bool       `db:"expedited" json:"expedited"`
}

// Info projects the request onto the summary returned by status lookups.
func (r *AuthorizationRequest) Info() *AuthorizationInfo {
	return &AuthorizationInfo{
		ID:               r.ID,
		ProviderID:       r.ProviderID,
		PatientID:        r.PatientID,
		RequestedService: r.RequestedService,
		Status:           r.Status,
		Decision:         r.Decision,
		ApprovedUnits:    r.ApprovedUnits,
		UnitsUsed:        r.UnitsUsed,
		ValidFrom:        r.ValidFrom,
		ValidUntil:       r.ValidUntil,
		SubmittedAt:      r.SubmittedAt,
		DecisionDate:     r.DecisionDate,
	}
}

// RemainingUnits returns the unconsumed budget, or nil when no ceiling is set.
func (r *AuthorizationRequest) RemainingUnits() *uint32 {
	if r.ApprovedUnits == nil {
		return nil
	}
	var left uint32
	if *r.ApprovedUnits > r.UnitsUsed {
		left = *r.ApprovedUnits - r.UnitsUsed
	}
	return &left
}

// AuthorizationInfo is the status summary of a request without its sub-records.
type AuthorizationInfo struct {
	ID               uint64     `json:"auth_request_id"`
	ProviderID       string     `json:"provider_id"`
	PatientID        string     `json:"patient_id"`
	RequestedService string     `json:"requested_service"`
	Status           AuthStatus `json:"status"`
	Decision         *Decision  `json:"decision,omitempty"`
	ApprovedUnits    *uint32    `json:"approved_units,omitempty"`
	UnitsUsed        uint32     `json:"units_used"`
	ValidFrom        *time.Time `json:"valid_from,omitempty"`
	ValidUntil       *time.Time `json:"valid_until,omitempty"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	DecisionDate     *time.Time `json:"decision_date,omitempty"`
}

// SupportingDocument is evidence attached to a request.
type SupportingDocument struct {
	AuthRequestID uint64    `db:"auth_request_id" json:"auth_request_id"`
	ProviderID    string    `db:"provider_id" json:"provider_id"`
	DocumentHash  Hash      `db:"document_hash" json:"document_hash"`
	DocumentType  string    `db:"document_type" json:"document_type"`
	AttachedAt    time.Time `db:"attached_at" json:"attached_at"`
}

// PeerToPeerRequest tracks the single review call a provider may ask for.
type PeerToPeerRequest struct {
	AuthRequestID   uint64     `db:"auth_request_id" json:"auth_request_id"`
	ProviderID      string     `db:"provider_id" json:"provider_id"`
	RequestedDate   time.Time  `db:"requested_date" json:"requested_date"`
	PreferredTimes  []string   `db:"preferred_times" json:"preferred_times"`
	ScheduledTime   *time.Time `db:"scheduled_time" json:"scheduled_time,omitempty"`
	MedicalDirector *string    `db:"medical_director" json:"medical_director,omitempty"`
}

// Scheduled reports whether the payer has assigned a time.
func (p *PeerToPeerRequest) Scheduled() bool { return p.ScheduledTime != nil }

// Appeal is an immutable escalation against a denial.
type Appeal struct {
	ID                     uint64    `db:"id" json:"appeal_id"`
	AuthRequestID          uint64    `db:"auth_request_id" json:"auth_request_id"`
	ProviderID             string    `db:"provider_id" json:"provider_id"`
	Level                  uint32    `db:"appeal_level" json:"appeal_level"`
	ReasonHash             Hash      `db:"appeal_reason_hash" json:"appeal_reason_hash"`
	AdditionalEvidenceHash *Hash     `db:"additional_evidence_hash" json:"additional_evidence_hash,omitempty"`
	SubmittedAt            time.Time `db:"submitted_at" json:"submitted_at"`
}

// ExtensionRequest is a provider's advisory ask for more units.
type ExtensionRequest struct {
	AuthRequestID            uint64    `db:"auth_request_id" json:"auth_request_id"`
	ProviderID               string    `db:"provider_id" json:"provider_id"`
	Reason                   string    `db:"extension_reason" json:"extension_reason"`
	RequestedAdditionalUnits uint32    `db:"requested_additional_units" json:"requested_additional_units"`
	RequestedAt              time.Time `db:"requested_at" json:"requested_at"`
}

// UsageRecord is one audit entry of units consumed.
type UsageRecord struct {
	AuthRequestID uint64    `db:"auth_request_id" json:"auth_request_id"`
	ProviderID    string    `db:"provider_id" json:"provider_id"`
	UnitsUsed     uint32    `db:"units_used" json:"units_used"`
	ServiceDate   time.Time `db:"service_date" json:"service_date"`
	RecordedAt    time.Time `db:"recorded_at" json:"recorded_at"`
}
