package priorauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/priorauth/internal/platform/db"
)

// unitLockClass is the first key of the two-key advisory lock taken by every
// unit. The second key is the hash of the tenant schema, so units serialize
// per tenant and tenants never wait on each other.
const unitLockClass int32 = 0x70617574 // "paut"

const lockUnitSQL = `SELECT pg_advisory_xact_lock($1, hashtext(current_schema()))`

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// lockUnit blocks until no other unit in the current schema holds the lock.
// The lock is released when the transaction ends.
func lockUnit(ctx context.Context, q execer) error {
	if _, err := q.Exec(ctx, lockUnitSQL, unitLockClass); err != nil {
		return fmt.Errorf("acquire unit lock: %w", err)
	}
	return nil
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps records in the tenant schema selected by db.TenantMiddleware.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	return db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := lockUnit(ctx, tx); err != nil {
			return err
		}
		return fn(&pgTx{q: tx})
	})
}

type pgTx struct {
	q queryable
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (t *pgTx) nextCounter(ctx context.Context, name string) (uint64, error) {
	var v int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO auth_counter (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = auth_counter.value + 1
		RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %w", name, err)
	}
	return uint64(v), nil
}

func (t *pgTx) NextAuthRequestID(ctx context.Context) (uint64, error) {
	return t.nextCounter(ctx, "auth_request")
}

func (t *pgTx) NextAppealID(ctx context.Context) (uint64, error) {
	return t.nextCounter(ctx, "appeal")
}

const requestCols = `id, provider_id, patient_id, policy_id, authorization_type, requested_service,
	service_codes, diagnosis_codes, clinical_justification_hash, urgency, status, decision,
	approved_units, units_used, valid_from, valid_until, submitted_at, decision_date, expedited`

func scanRequest(row pgx.Row) (*AuthorizationRequest, error) {
	var (
		r             AuthorizationRequest
		id, policy    int64
		justification []byte
		decision      *string
		approved      *int64
		used          int64
	)
	err := row.Scan(&id, &r.ProviderID, &r.PatientID, &policy, &r.AuthorizationType, &r.RequestedService,
		&r.ServiceCodes, &r.DiagnosisCodes, &justification, &r.Urgency, &r.Status, &decision,
		&approved, &used, &r.ValidFrom, &r.ValidUntil, &r.SubmittedAt, &r.DecisionDate, &r.Expedited)
	if err != nil {
		return nil, notFound(err)
	}
	r.ID = uint64(id)
	r.PolicyID = uint64(policy)
	r.UnitsUsed = uint32(used)
	copy(r.ClinicalJustificationHash[:], justification)
	if decision != nil {
		d, err := ParseDecision(*decision)
		if err != nil {
			return nil, fmt.Errorf("stored decision %q: %w", *decision, err)
		}
		r.Decision = &d
	}
	if approved != nil {
		u := uint32(*approved)
		r.ApprovedUnits = &u
	}
	return &r, nil
}

func (t *pgTx) GetRequest(ctx context.Context, id uint64) (*AuthorizationRequest, error) {
	return scanRequest(t.q.QueryRow(ctx, `SELECT `+requestCols+` FROM auth_request WHERE id = $1`, int64(id)))
}

func (t *pgTx) SaveRequest(ctx context.Context, r *AuthorizationRequest) error {
	var decision *string
	if r.Decision != nil {
		s := r.Decision.String()
		decision = &s
	}
	var approved *int64
	if r.ApprovedUnits != nil {
		v := int64(*r.ApprovedUnits)
		approved = &v
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO auth_request (`+requestCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, decision = EXCLUDED.decision,
			approved_units = EXCLUDED.approved_units, units_used = EXCLUDED.units_used,
			valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until,
			decision_date = EXCLUDED.decision_date, expedited = EXCLUDED.expedited`,
		int64(r.ID), r.ProviderID, r.PatientID, int64(r.PolicyID), r.AuthorizationType, r.RequestedService,
		nonNil(r.ServiceCodes), nonNil(r.DiagnosisCodes), r.ClinicalJustificationHash[:], r.Urgency, string(r.Status), decision,
		approved, int64(r.UnitsUsed), r.ValidFrom, r.ValidUntil, r.SubmittedAt, r.DecisionDate, r.Expedited)
	if err != nil {
		return fmt.Errorf("save authorization request %d: %w", r.ID, err)
	}
	return nil
}

// The provider and patient indices are served by auth_request itself, so
// appending is a no-op once the row is saved.
func (t *pgTx) AppendProviderRequest(context.Context, string, uint64) error { return nil }
func (t *pgTx) AppendPatientRequest(context.Context, string, uint64) error  { return nil }

func (t *pgTx) listIDs(ctx context.Context, column, value string, limit, offset int) ([]uint64, int, error) {
	var total int
	if err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM auth_request WHERE `+column+` = $1`, value).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := t.q.Query(ctx,
		`SELECT id FROM auth_request WHERE `+column+` = $1 ORDER BY id LIMIT NULLIF($2, 0) OFFSET $3`,
		value, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	ids := []uint64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, total, rows.Err()
}

func (t *pgTx) ListProviderRequests(ctx context.Context, providerID string, limit, offset int) ([]uint64, int, error) {
	return t.listIDs(ctx, "provider_id", providerID, limit, offset)
}

func (t *pgTx) ListPatientRequests(ctx context.Context, patientID string, limit, offset int) ([]uint64, int, error) {
	return t.listIDs(ctx, "patient_id", patientID, limit, offset)
}

func (t *pgTx) AppendDocument(ctx context.Context, d *SupportingDocument) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO auth_document (auth_request_id, provider_id, document_hash, document_type, attached_at)
		VALUES ($1, $2, $3, $4, $5)`,
		int64(d.AuthRequestID), d.ProviderID, d.DocumentHash[:], d.DocumentType, d.AttachedAt)
	return err
}

func (t *pgTx) ListDocuments(ctx context.Context, requestID uint64) ([]*SupportingDocument, error) {
	rows, err := t.q.Query(ctx, `
		SELECT provider_id, document_hash, document_type, attached_at
		FROM auth_document WHERE auth_request_id = $1 ORDER BY seq`, int64(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs := []*SupportingDocument{}
	for rows.Next() {
		d := &SupportingDocument{AuthRequestID: requestID}
		var hash []byte
		if err := rows.Scan(&d.ProviderID, &hash, &d.DocumentType, &d.AttachedAt); err != nil {
			return nil, err
		}
		copy(d.DocumentHash[:], hash)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (t *pgTx) GetPeerToPeer(ctx context.Context, requestID uint64) (*PeerToPeerRequest, error) {
	p := &PeerToPeerRequest{AuthRequestID: requestID}
	err := t.q.QueryRow(ctx, `
		SELECT provider_id, requested_date, preferred_times, scheduled_time, medical_director
		FROM auth_peer_to_peer WHERE auth_request_id = $1`, int64(requestID)).
		Scan(&p.ProviderID, &p.RequestedDate, &p.PreferredTimes, &p.ScheduledTime, &p.MedicalDirector)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (t *pgTx) SavePeerToPeer(ctx context.Context, p *PeerToPeerRequest) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO auth_peer_to_peer (auth_request_id, provider_id, requested_date, preferred_times, scheduled_time, medical_director)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (auth_request_id) DO UPDATE SET
			scheduled_time = EXCLUDED.scheduled_time, medical_director = EXCLUDED.medical_director`,
		int64(p.AuthRequestID), p.ProviderID, p.RequestedDate, nonNil(p.PreferredTimes), p.ScheduledTime, p.MedicalDirector)
	return err
}

const appealCols = `id, auth_request_id, provider_id, appeal_level, appeal_reason_hash, additional_evidence_hash, submitted_at`

func scanAppeal(row pgx.Row) (*Appeal, error) {
	var (
		a             Appeal
		id, requestID int64
		level         int32
		reason, extra []byte
		submittedAt   time.Time
	)
	if err := row.Scan(&id, &requestID, &a.ProviderID, &level, &reason, &extra, &submittedAt); err != nil {
		return nil, notFound(err)
	}
	a.ID = uint64(id)
	a.AuthRequestID = uint64(requestID)
	a.Level = uint32(level)
	a.SubmittedAt = submittedAt
	copy(a.ReasonHash[:], reason)
	if extra != nil {
		var h Hash
		copy(h[:], extra)
		a.AdditionalEvidenceHash = &h
	}
	return &a, nil
}

func (t *pgTx) SaveAppeal(ctx context.Context, a *Appeal) error {
	var extra []byte
	if a.AdditionalEvidenceHash != nil {
		extra = a.AdditionalEvidenceHash[:]
	}
	_, err := t.q.Exec(ctx, `INSERT INTO auth_appeal (`+appealCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(a.ID), int64(a.AuthRequestID), a.ProviderID, int32(a.Level), a.ReasonHash[:], extra, a.SubmittedAt)
	return err
}

func (t *pgTx) GetAppeal(ctx context.Context, appealID uint64) (*Appeal, error) {
	return scanAppeal(t.q.QueryRow(ctx, `SELECT `+appealCols+` FROM auth_appeal WHERE id = $1`, int64(appealID)))
}

func (t *pgTx) ListAppeals(ctx context.Context, requestID uint64) ([]*Appeal, error) {
	rows, err := t.q.Query(ctx, `SELECT `+appealCols+` FROM auth_appeal WHERE auth_request_id = $1 ORDER BY id`, int64(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	appeals := []*Appeal{}
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, err
		}
		appeals = append(appeals, a)
	}
	return appeals, rows.Err()
}

func (t *pgTx) SaveExtension(ctx context.Context, e *ExtensionRequest) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO auth_extension (auth_request_id, provider_id, extension_reason, requested_additional_units, requested_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (auth_request_id) DO UPDATE SET
			provider_id = EXCLUDED.provider_id, extension_reason = EXCLUDED.extension_reason,
			requested_additional_units = EXCLUDED.requested_additional_units, requested_at = EXCLUDED.requested_at`,
		int64(e.AuthRequestID), e.ProviderID, e.Reason, int64(e.RequestedAdditionalUnits), e.RequestedAt)
	return err
}

func (t *pgTx) GetExtension(ctx context.Context, requestID uint64) (*ExtensionRequest, error) {
	e := &ExtensionRequest{AuthRequestID: requestID}
	var units int64
	err := t.q.QueryRow(ctx, `
		SELECT provider_id, extension_reason, requested_additional_units, requested_at
		FROM auth_extension WHERE auth_request_id = $1`, int64(requestID)).
		Scan(&e.ProviderID, &e.Reason, &units, &e.RequestedAt)
	if err != nil {
		return nil, notFound(err)
	}
	e.RequestedAdditionalUnits = uint32(units)
	return e, nil
}

func (t *pgTx) AppendUsage(ctx context.Context, u *UsageRecord) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO auth_usage_record (auth_request_id, provider_id, units_used, service_date, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		int64(u.AuthRequestID), u.ProviderID, int64(u.UnitsUsed), u.ServiceDate, u.RecordedAt)
	return err
}

func (t *pgTx) ListUsage(ctx context.Context, requestID uint64) ([]*UsageRecord, error) {
	rows, err := t.q.Query(ctx, `
		SELECT provider_id, units_used, service_date, recorded_at
		FROM auth_usage_record WHERE auth_request_id = $1 ORDER BY seq`, int64(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []*UsageRecord{}
	for rows.Next() {
		u := &UsageRecord{AuthRequestID: requestID}
		var units int64
		if err := rows.Scan(&u.ProviderID, &units, &u.ServiceDate, &u.RecordedAt); err != nil {
			return nil, err
		}
		u.UnitsUsed = uint32(units)
		records = append(records, u)
	}
	return records, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
