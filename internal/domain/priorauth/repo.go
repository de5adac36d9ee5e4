package priorauth

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Tx when no record exists under a key.
var ErrNotFound = errors.New("record not found")

// Store runs operations as atomic, serialized units against the keyed record store.
type Store interface {
	// Atomically runs fn with exclusive access to the store. Writes made through
	// tx are committed only when fn returns nil.
	Atomically(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the keyed view of the store inside one atomic unit.
type Tx interface {
	NextAuthRequestID(ctx context.Context) (uint64, error)
	NextAppealID(ctx context.Context) (uint64, error)

	GetRequest(ctx context.Context, id uint64) (*AuthorizationRequest, error)
	SaveRequest(ctx context.Context, r *AuthorizationRequest) error

	AppendProviderRequest(ctx context.Context, providerID string, id uint64) error
	AppendPatientRequest(ctx context.Context, patientID string, id uint64) error
	ListProviderRequests(ctx context.Context, providerID string, limit, offset int) ([]uint64, int, error)
	ListPatientRequests(ctx context.Context, patientID string, limit, offset int) ([]uint64, int, error)

	AppendDocument(ctx context.Context, d *SupportingDocument) error
	ListDocuments(ctx context.Context, requestID uint64) ([]*SupportingDocument, error)

	GetPeerToPeer(ctx context.Context, requestID uint64) (*PeerToPeerRequest, error)
	SavePeerToPeer(ctx context.Context, p *PeerToPeerRequest) error

	// SaveAppeal stores the appeal under its own id and appends it to the
	// request's appeal list.
	SaveAppeal(ctx context.Context, a *Appeal) error
	GetAppeal(ctx context.Context, appealID uint64) (*Appeal, error)
	ListAppeals(ctx context.Context, requestID uint64) ([]*Appeal, error)

	SaveExtension(ctx context.Context, e *ExtensionRequest) error
	GetExtension(ctx context.Context, requestID uint64) (*ExtensionRequest, error)

	AppendUsage(ctx context.Context, u *UsageRecord) error
	ListUsage(ctx context.Context, requestID uint64) ([]*UsageRecord, error)
}
