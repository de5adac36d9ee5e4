package priorauth

import (
	"context"
	"reflect"
	"testing"
)

func TestScenario_ApproveThenConsume(t *testing.T) {
	svc, clock, rec := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)
	mustReview(t, svc, id, approve(10, 1_000_000, 9_000_000))

	clock.Set(unix(2_000_000))
	if err := svc.TrackUsage(ctx, provider, id, 3, unix(2_000_000)); err != nil {
		t.Fatalf("track 3: %v", err)
	}
	if err := svc.TrackUsage(ctx, provider, id, 4, unix(2_100_000)); err != nil {
		t.Fatalf("track 4: %v", err)
	}

	info := status(t, svc, id)
	if info.UnitsUsed != 7 || info.Status != StatusApproved {
		t.Fatalf("expected 7 units used and approved, got %d %s", info.UnitsUsed, info.Status)
	}

	usage, err := svc.ListUsage(ctx, stranger, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 2 || usage[0].UnitsUsed != 3 || usage[1].UnitsUsed != 4 {
		t.Errorf("unexpected usage log %+v", usage)
	}

	last := rec.Events()[len(rec.Events())-1]
	if last.Type != "usage_tracked" || last.Attributes["total_units"] != uint32(7) || last.Attributes["remaining_units"] != uint32(3) {
		t.Errorf("unexpected usage event %+v", last)
	}
}

func TestScenario_AppealLadder(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)

	var ids []uint64
	for level := uint32(1); level <= MaxAppealLevel; level++ {
		mustReview(t, svc, id, ReviewInput{Decision: DecisionDeny})
		appealID, err := svc.Appeal(ctx, provider, id, AppealInput{Level: level, ReasonHash: Hash{byte(level)}})
		if err != nil {
			t.Fatalf("appeal level %d: %v", level, err)
		}
		ids = append(ids, appealID)
	}
	if !reflect.DeepEqual(ids, []uint64{1, 2, 3}) {
		t.Errorf("expected appeal ids 1,2,3, got %v", ids)
	}
	if got := status(t, svc, id).Status; got != StatusAppealed {
		t.Errorf("expected appealed, got %s", got)
	}

	_, err := svc.Appeal(ctx, provider, id, AppealInput{Level: 4})
	wantErr(t, err, ErrMaxAppealLevelReached)

	appeals, err := svc.ListAppeals(ctx, stranger, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(appeals) != 3 || appeals[2].Level != 3 {
		t.Errorf("unexpected appeal list %+v", appeals)
	}
}

func TestScenario_AppealsChainWithoutReReview(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)
	mustReview(t, svc, id, ReviewInput{Decision: DecisionDeny})

	for level := uint32(1); level <= MaxAppealLevel; level++ {
		if _, err := svc.Appeal(ctx, provider, id, AppealInput{Level: level, ReasonHash: Hash{byte(level)}}); err != nil {
			t.Fatalf("appeal level %d straight from %s: %v", level, status(t, svc, id).Status, err)
		}
		if got := status(t, svc, id).Status; got != StatusAppealed {
			t.Fatalf("after level %d expected appealed, got %s", level, got)
		}
	}

	appeals, err := svc.ListAppeals(ctx, stranger, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(appeals) != 3 {
		t.Fatalf("expected 3 appeals, got %d", len(appeals))
	}
	for i, a := range appeals {
		if a.Level != uint32(i+1) || a.ID != uint64(i+1) {
			t.Errorf("appeal %d: level %d id %d", i, a.Level, a.ID)
		}
	}

	_, err = svc.Appeal(ctx, provider, id, AppealInput{Level: MaxAppealLevel})
	wantErr(t, err, ErrMaxAppealLevelReached)

	var appealed int
	for _, typ := range rec.Types() {
		if typ == "denial_appealed" {
			appealed++
		}
	}
	if appealed != 3 {
		t.Errorf("expected 3 denial_appealed events, got %d", appealed)
	}
}

func TestTrackUsage_WindowEndIsInclusive(t *testing.T) {
	svc, clock, _ := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)
	mustReview(t, svc, id, approve(5, 0, 700_000))

	clock.Set(unix(700_000))
	if err := svc.TrackUsage(ctx, provider, id, 2, unix(700_000)); err != nil {
		t.Fatalf("usage exactly at valid_until: %v", err)
	}
	if err := svc.TrackUsage(ctx, provider, id, 3, unix(700_000)); err != nil {
		t.Fatalf("usage filling the budget at valid_until: %v", err)
	}

	info := status(t, svc, id)
	if info.Status != StatusApproved || info.UnitsUsed != 5 {
		t.Errorf("expected approved with 5 units, got %s %d", info.Status, info.UnitsUsed)
	}
	wantErr(t, svc.TrackUsage(ctx, provider, id, 1, unix(700_000)), ErrExceedsApprovedUnits)
	if got := status(t, svc, id).Status; got != StatusApproved {
		t.Errorf("overrun at valid_until must not expire the request, got %s", got)
	}
}

func TestScenario_UsageBeforeApproval(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)

	wantErr(t, svc.TrackUsage(ctx, provider, id, 1, unix(1)), ErrNotApproved)

	usage, err := svc.ListUsage(ctx, stranger, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 0 {
		t.Errorf("expected no usage records, got %d", len(usage))
	}
	if info := status(t, svc, id); info.UnitsUsed != 0 || info.Status != StatusSubmitted {
		t.Errorf("unexpected state %+v", info)
	}
	if got := rec.Types(); !reflect.DeepEqual(got, []string{"auth_submitted"}) {
		t.Errorf("unexpected events %v", got)
	}
}

func TestAppeal_LevelRules(t *testing.T) {
	tests := []struct {
		name   string
		levels []uint32
		next   uint32
		want   Code
	}{
		{"first at level one", nil, 1, ""},
		{"first may skip to three", nil, 3, ""},
		{"zero is malformed", nil, 0, CodeInvalidRequest},
		{"above max", nil, 4, CodeMaxAppealLevelReached},
		{"repeat level", []uint32{1}, 1, CodeMaxAppealLevelReached},
		{"lower level", []uint32{2}, 1, CodeMaxAppealLevelReached},
		{"skip ahead", []uint32{1}, 3, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService()
			ctx := context.Background()
			id := mustSubmit(t, svc)
			for _, l := range tt.levels {
				mustReview(t, svc, id, ReviewInput{Decision: DecisionDeny})
				if _, err := svc.Appeal(ctx, provider, id, AppealInput{Level: l}); err != nil {
					t.Fatalf("setup appeal %d: %v", l, err)
				}
			}
			mustReview(t, svc, id, ReviewInput{Decision: DecisionDeny})

			_, err := svc.Appeal(ctx, provider, id, AppealInput{Level: tt.next})
			if got := CodeOf(err); got != tt.want {
				t.Fatalf("expected %q, got %q (%v)", tt.want, got, err)
			}
		})
	}
}

func TestAppeal_Preconditions(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)

	_, err := svc.Appeal(ctx, provider, id, AppealInput{Level: 1})
	wantErr(t, err, ErrNotDenied)

	mustReview(t, svc, id, ReviewInput{Decision: DecisionDeny})
	_, err = svc.Appeal(ctx, stranger, id, AppealInput{Level: 1})
	wantErr(t, err, ErrUnauthorized)
	_, err = svc.Appeal(ctx, provider, 55, AppealInput{Level: 1})
	wantErr(t, err, ErrRequestNotFound)

	// An appealed request may be escalated again without a fresh denial.
	if _, err := svc.Appeal(ctx, provider, id, AppealInput{Level: 1}); err != nil {
		t.Fatal(err)
	}
	evidence := Hash{7}
	appealID, err := svc.Appeal(ctx, provider, id, AppealInput{Level: 2, AdditionalEvidenceHash: &evidence})
	if err != nil {
		t.Fatal(err)
	}

	a, err := svc.GetAppeal(ctx, stranger, appealID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Level != 2 || a.AuthRequestID != id || a.AdditionalEvidenceHash == nil || *a.AdditionalEvidenceHash != evidence {
		t.Errorf("unexpected appeal %+v", a)
	}
	_, err = svc.GetAppeal(ctx, stranger, 999)
	wantErr(t, err, ErrAppealNotFound)
}

func TestAppeal_ApprovedRequestCannotBeAppealed(t *testing.T) {
	svc, _, _ := newTestService()
	id := mustSubmit(t, svc)
	mustReview(t, svc, id, approve(1, 0, 1_000_000))
	_, err := svc.Appeal(context.Background(), provider, id, AppealInput{Level: 1})
	wantErr(t, err, ErrNotDenied)
}

func TestPeerToPeer_RequestOnce(t *testing.T) {
	svc, _, rec := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)

	if err := svc.RequestPeerToPeer(ctx, provider, id, unix(600_000), []string{"morning"}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if got := status(t, svc, id).Status; got != StatusUnderReview {
		t.Errorf("expected under review, got %s", got)
	}

	err := svc.RequestPeerToPeer(ctx, provider, id, unix(700_000), []string{"evening"})
	wantErr(t, err, ErrPeerToPeerAlreadyScheduled)

	p2p, err := svc.GetPeerToPeer(ctx, stranger, id)
	if err != nil {
		t.Fatal(err)
	}
	if !p2p.RequestedDate.Equal(unix(600_000)) || !reflect.DeepEqual(p2p.PreferredTimes, []string{"morning"}) || p2p.Scheduled() {
		t.Errorf("first record must be unaffected: %+v", p2p)
	}
	if got := rec.Types(); !reflect.DeepEqual(got, []string{"auth_submitted", "p2p_requested"}) {
		t.Errorf("unexpected events %v", got)
	}
}

func TestPeerToPeer_KeepsNonPendingStatus(t *testing.T) {
	svc, _, _ := newTestService()
	id := mustSubmit(t, svc)
	mustReview(t, svc, id, ReviewInput{Decision: DecisionDeny})
	if err := svc.RequestPeerToPeer(context.Background(), provider, id, unix(1), nil); err != nil {
		t.Fatal(err)
	}
	if got := status(t, svc, id).Status; got != StatusDenied {
		t.Errorf("expected status unchanged, got %s", got)
	}
}

func TestPeerToPeer_Schedule(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)

	wantErr(t, svc.SchedulePeerToPeer(ctx, payer, id, unix(800_000), "Dr. Lee"), ErrRequestNotFound)
	wantErr(t, svc.SchedulePeerToPeer(ctx, payer, 404, unix(800_000), "Dr. Lee"), ErrRequestNotFound)

	if err := svc.RequestPeerToPeer(ctx, provider, id, unix(600_000), nil); err != nil {
		t.Fatal(err)
	}
	if err := svc.SchedulePeerToPeer(ctx, payer, id, unix(800_000), ""); CodeOf(err) != CodeInvalidRequest {
		t.Errorf("expected InvalidRequest for missing director, got %v", err)
	}
	if err := svc.SchedulePeerToPeer(ctx, payer, id, unix(800_000), "Dr. Lee"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := svc.SchedulePeerToPeer(ctx, payer, id, unix(900_000), "Dr. Kim"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	p2p, _ := svc.GetPeerToPeer(ctx, stranger, id)
	if p2p.ScheduledTime == nil || !p2p.ScheduledTime.Equal(unix(900_000)) || *p2p.MedicalDirector != "Dr. Kim" {
		t.Errorf("unexpected schedule %+v", p2p)
	}
	if got := status(t, svc, id).Status; got != StatusPeerToPeerScheduled {
		t.Errorf("expected peer_to_peer_scheduled, got %s", got)
	}
	// A scheduled call can still end in a decision.
	mustReview(t, svc, id, approve(2, 0, 1_000_000))
}

func TestPeerToPeer_NoneRequested(t *testing.T) {
	svc, _, _ := newTestService()
	id := mustSubmit(t, svc)
	p2p, err := svc.GetPeerToPeer(context.Background(), stranger, id)
	if err != nil || p2p != nil {
		t.Errorf("expected nil record, got %+v %v", p2p, err)
	}
}

func TestTrackUsage_CeilingUnchangedOnOverrun(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)
	mustReview(t, svc, id, approve(5, 0, 1_000_000))

	if err := svc.TrackUsage(ctx, provider, id, 4, unix(1)); err != nil {
		t.Fatal(err)
	}
	wantErr(t, svc.TrackUsage(ctx, provider, id, 2, unix(1)), ErrExceedsApprovedUnits)
	if got := status(t, svc, id).UnitsUsed; got != 4 {
		t.Errorf("units_used changed on overrun: %d", got)
	}
	// Exactly reaching the ceiling is allowed.
	if err := svc.TrackUsage(ctx, provider, id, 1, unix(1)); err != nil {
		t.Fatal(err)
	}
	usage, _ := svc.ListUsage(ctx, stranger, id)
	if len(usage) != 2 {
		t.Errorf("expected 2 usage records, got %d", len(usage))
	}
}

func TestTrackUsage_NoCeilingGuardsOverflow(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)
	mustReview(t, svc, id, ReviewInput{Decision: DecisionApprove})

	if err := svc.TrackUsage(ctx, provider, id, ^uint32(0), unix(1)); err != nil {
		t.Fatal(err)
	}
	wantErr(t, svc.TrackUsage(ctx, provider, id, 1, unix(1)), ErrExceedsApprovedUnits)
	if got := status(t, svc, id).UnitsUsed; got != ^uint32(0) {
		t.Errorf("unexpected units_used %d", got)
	}
}

func TestTrackUsage_ExpiryPersists(t *testing.T) {
	svc, clock, rec := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)
	mustReview(t, svc, id, approve(10, 0, 600_000))

	clock.Set(unix(600_000))
	if err := svc.TrackUsage(ctx, provider, id, 1, unix(1)); err != nil {
		t.Fatalf("usage at valid_until must succeed: %v", err)
	}

	clock.Set(unix(600_001))
	wantErr(t, svc.TrackUsage(ctx, provider, id, 1, unix(1)), ErrAuthorizationExpired)

	info := status(t, svc, id)
	if info.Status != StatusExpired || info.UnitsUsed != 1 {
		t.Errorf("expected expired with 1 unit, got %s %d", info.Status, info.UnitsUsed)
	}
	usage, _ := svc.ListUsage(ctx, stranger, id)
	if len(usage) != 1 {
		t.Errorf("expired call must not log usage, got %d records", len(usage))
	}
	types := rec.Types()
	if types[len(types)-1] != "auth_expired" {
		t.Errorf("expected auth_expired event, got %v", types)
	}

	// Subsequent calls see the persisted status.
	wantErr(t, svc.TrackUsage(ctx, provider, id, 1, unix(1)), ErrNotApproved)
}

func TestTrackUsage_Ownership(t *testing.T) {
	svc, _, _ := newTestService()
	id := mustSubmit(t, svc)
	mustReview(t, svc, id, approve(10, 0, 1_000_000))
	wantErr(t, svc.TrackUsage(context.Background(), stranger, id, 1, unix(1)), ErrUnauthorized)
	wantErr(t, svc.TrackUsage(context.Background(), provider, 9, 1, unix(1)), ErrRequestNotFound)
}

func TestExtend(t *testing.T) {
	svc, clock, rec := newTestService()
	ctx := context.Background()
	id := mustSubmit(t, svc)

	wantErr(t, svc.Extend(ctx, provider, id, "more sessions", 4), ErrNotApproved)
	mustReview(t, svc, id, approve(10, 0, 9_000_000))

	wantErr(t, svc.Extend(ctx, stranger, id, "x", 1), ErrUnauthorized)
	if err := svc.Extend(ctx, provider, id, "more sessions", 4); err != nil {
		t.Fatal(err)
	}
	clock.Set(unix(510_000))
	if err := svc.Extend(ctx, provider, id, "even more sessions", 6); err != nil {
		t.Fatal(err)
	}

	ext, err := svc.GetExtension(ctx, stranger, id)
	if err != nil {
		t.Fatal(err)
	}
	if ext.Reason != "even more sessions" || ext.RequestedAdditionalUnits != 6 || !ext.RequestedAt.Equal(unix(510_000)) {
		t.Errorf("expected latest extension, got %+v", ext)
	}
	if info := status(t, svc, id); *info.ApprovedUnits != 10 {
		t.Errorf("extension must not change the ceiling: %d", *info.ApprovedUnits)
	}
	if got := rec.Types()[len(rec.Types())-1]; got != "extension_requested" {
		t.Errorf("unexpected event %s", got)
	}
}

func TestGetExtension_None(t *testing.T) {
	svc, _, _ := newTestService()
	id := mustSubmit(t, svc)
	ext, err := svc.GetExtension(context.Background(), stranger, id)
	if err != nil || ext != nil {
		t.Errorf("expected nil extension, got %+v %v", ext, err)
	}
	_, err = svc.GetExtension(context.Background(), stranger, 404)
	wantErr(t, err, ErrRequestNotFound)
}
