package priorauth

import (
	"context"
	"sync"
)

type keyKind int

const (
	keyAuthCounter keyKind = iota
	keyAppealCounter
	keyAuthRequest
	keyDocuments
	keyPeerToPeer
	keyAppeals
	keyAppeal
	keyExtension
	keyUsageRecords
	keyProviderAuths
	keyPatientAuths
)

// key addresses one value in the keyed store. id is used for numeric keys,
// addr for identity-keyed indices.
type key struct {
	kind keyKind
	id   uint64
	addr string
}

// MemoryStore is a process-local keyed store. All units run under one mutex.
type MemoryStore struct {
	mu   sync.Mutex
	data map[key]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[key]any)}
}

func (s *MemoryStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, writes: make(map[key]any)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.writes {
		s.data[k] = v
	}
	return nil
}

// memTx buffers writes until the unit commits.
type memTx struct {
	store  *MemoryStore
	writes map[key]any
}

func (t *memTx) get(k key) (any, bool) {
	if v, ok := t.writes[k]; ok {
		return v, true
	}
	v, ok := t.store.data[k]
	return v, ok
}

func (t *memTx) set(k key, v any) { t.writes[k] = v }

func getAs[T any](t *memTx, k key) (T, bool) {
	var zero T
	v, ok := t.get(k)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// appendTo copies the stored list before appending so committed slices are
// never shared with a pending unit.
func appendTo[T any](t *memTx, k key, item T) {
	cur, _ := getAs[[]T](t, k)
	next := make([]T, len(cur), len(cur)+1)
	copy(next, cur)
	t.set(k, append(next, item))
}

func (t *memTx) nextCounter(k key) uint64 {
	cur, _ := getAs[uint64](t, k)
	next := cur + 1
	t.set(k, next)
	return next
}

func (t *memTx) NextAuthRequestID(_ context.Context) (uint64, error) {
	return t.nextCounter(key{kind: keyAuthCounter}), nil
}

func (t *memTx) NextAppealID(_ context.Context) (uint64, error) {
	return t.nextCounter(key{kind: keyAppealCounter}), nil
}

func (t *memTx) GetRequest(_ context.Context, id uint64) (*AuthorizationRequest, error) {
	r, ok := getAs[AuthorizationRequest](t, key{kind: keyAuthRequest, id: id})
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(&r), nil
}

func (t *memTx) SaveRequest(_ context.Context, r *AuthorizationRequest) error {
	t.set(key{kind: keyAuthRequest, id: r.ID}, *cloneRequest(r))
	return nil
}

func (t *memTx) AppendProviderRequest(_ context.Context, providerID string, id uint64) error {
	appendTo(t, key{kind: keyProviderAuths, addr: providerID}, id)
	return nil
}

func (t *memTx) AppendPatientRequest(_ context.Context, patientID string, id uint64) error {
	appendTo(t, key{kind: keyPatientAuths, addr: patientID}, id)
	return nil
}

func (t *memTx) ListProviderRequests(_ context.Context, providerID string, limit, offset int) ([]uint64, int, error) {
	ids, _ := getAs[[]uint64](t, key{kind: keyProviderAuths, addr: providerID})
	page, total := paginate(ids, limit, offset)
	return page, total, nil
}

func (t *memTx) ListPatientRequests(_ context.Context, patientID string, limit, offset int) ([]uint64, int, error) {
	ids, _ := getAs[[]uint64](t, key{kind: keyPatientAuths, addr: patientID})
	page, total := paginate(ids, limit, offset)
	return page, total, nil
}

func (t *memTx) AppendDocument(_ context.Context, d *SupportingDocument) error {
	appendTo(t, key{kind: keyDocuments, id: d.AuthRequestID}, *d)
	return nil
}

func (t *memTx) ListDocuments(_ context.Context, requestID uint64) ([]*SupportingDocument, error) {
	docs, _ := getAs[[]SupportingDocument](t, key{kind: keyDocuments, id: requestID})
	out := make([]*SupportingDocument, len(docs))
	for i := range docs {
		d := docs[i]
		out[i] = &d
	}
	return out, nil
}

func (t *memTx) GetPeerToPeer(_ context.Context, requestID uint64) (*PeerToPeerRequest, error) {
	p, ok := getAs[PeerToPeerRequest](t, key{kind: keyPeerToPeer, id: requestID})
	if !ok {
		return nil, ErrNotFound
	}
	return clonePeerToPeer(&p), nil
}

func (t *memTx) SavePeerToPeer(_ context.Context, p *PeerToPeerRequest) error {
	t.set(key{kind: keyPeerToPeer, id: p.AuthRequestID}, *clonePeerToPeer(p))
	return nil
}

func (t *memTx) SaveAppeal(_ context.Context, a *Appeal) error {
	cp := *a
	t.set(key{kind: keyAppeal, id: a.ID}, cp)
	appendTo(t, key{kind: keyAppeals, id: a.AuthRequestID}, cp)
	return nil
}

func (t *memTx) GetAppeal(_ context.Context, appealID uint64) (*Appeal, error) {
	a, ok := getAs[Appeal](t, key{kind: keyAppeal, id: appealID})
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (t *memTx) ListAppeals(_ context.Context, requestID uint64) ([]*Appeal, error) {
	appeals, _ := getAs[[]Appeal](t, key{kind: keyAppeals, id: requestID})
	out := make([]*Appeal, len(appeals))
	for i := range appeals {
		a := appeals[i]
		out[i] = &a
	}
	return out, nil
}

func (t *memTx) SaveExtension(_ context.Context, e *ExtensionRequest) error {
	t.set(key{kind: keyExtension, id: e.AuthRequestID}, *e)
	return nil
}

func (t *memTx) GetExtension(_ context.Context, requestID uint64) (*ExtensionRequest, error) {
	e, ok := getAs[ExtensionRequest](t, key{kind: keyExtension, id: requestID})
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (t *memTx) AppendUsage(_ context.Context, u *UsageRecord) error {
	appendTo(t, key{kind: keyUsageRecords, id: u.AuthRequestID}, *u)
	return nil
}

func (t *memTx) ListUsage(_ context.Context, requestID uint64) ([]*UsageRecord, error) {
	records, _ := getAs[[]UsageRecord](t, key{kind: keyUsageRecords, id: requestID})
	out := make([]*UsageRecord, len(records))
	for i := range records {
		u := records[i]
		out[i] = &u
	}
	return out, nil
}

func paginate(ids []uint64, limit, offset int) ([]uint64, int) {
	total := len(ids)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []uint64{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	page := make([]uint64, end-offset)
	copy(page, ids[offset:end])
	return page, total
}

func cloneRequest(r *AuthorizationRequest) *AuthorizationRequest {
	cp := *r
	cp.ServiceCodes = append([]string(nil), r.ServiceCodes...)
	cp.DiagnosisCodes = append([]string(nil), r.DiagnosisCodes...)
	if r.Decision != nil {
		d := *r.Decision
		cp.Decision = &d
	}
	if r.ApprovedUnits != nil {
		u := *r.ApprovedUnits
		cp.ApprovedUnits = &u
	}
	if r.ValidFrom != nil {
		v := *r.ValidFrom
		cp.ValidFrom = &v
	}
	if r.ValidUntil != nil {
		v := *r.ValidUntil
		cp.ValidUntil = &v
	}
	if r.DecisionDate != nil {
		v := *r.DecisionDate
		cp.DecisionDate = &v
	}
	return &cp
}

func clonePeerToPeer(p *PeerToPeerRequest) *PeerToPeerRequest {
	cp := *p
	cp.PreferredTimes = append([]string(nil), p.PreferredTimes...)
	if p.ScheduledTime != nil {
		v := *p.ScheduledTime
		cp.ScheduledTime = &v
	}
	if p.MedicalDirector != nil {
		v := *p.MedicalDirector
		cp.MedicalDirector = &v
	}
	return &cp
}
