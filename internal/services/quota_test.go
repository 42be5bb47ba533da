package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/requestdata"
)

type stubCounterRepo struct {
	count   int64
	limit   int64
	lastDay string
	err     error
}

func (s *stubCounterRepo) IncrementIfBelow(ctx context.Context, kind, keyID, day string, limit int64) (int64, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	s.lastDay = day
	s.limit = limit
	if s.count >= limit {
		return s.count, false, nil
	}
	s.count++
	return s.count, true, nil
}

func (s *stubCounterRepo) Get(ctx context.Context, kind, keyID, day string) (int64, error) {
	return s.count, nil
}

func (s *stubCounterRepo) PruneBefore(ctx context.Context, day string) (int64, error) {
	return 0, nil
}

func svcLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func fixedNow(t *testing.T, svc QuotaService, at time.Time) {
	t.Helper()
	svc.(*quotaService).now = func() time.Time { return at }
}

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Fatalf("tz: %v", err)
	}
	return loc
}

func TestQuota_LimitsByPrincipalKind(t *testing.T) {
	repo := &stubCounterRepo{}
	svc := NewQuotaService(svcLogger(t), repo, QuotaConfig{LimitUser: 50, LimitIP: 10, Location: seoul(t)})

	adm, err := svc.Admit(context.Background(), requestdata.RequestData{
		PrincipalKind: requestdata.PrincipalKindUser, PrincipalID: "u-1",
	})
	if err != nil || !adm.Allowed {
		t.Fatalf("user admit: %+v %v", adm, err)
	}
	if repo.limit != 50 {
		t.Fatalf("user limit: %d", repo.limit)
	}
	if adm.Remaining != 49 {
		t.Fatalf("remaining: %d", adm.Remaining)
	}

	if _, err := svc.Admit(context.Background(), requestdata.RequestData{
		PrincipalKind: requestdata.PrincipalKindIP, PrincipalID: "9.9.9.9",
	}); err != nil {
		t.Fatalf("ip admit: %v", err)
	}
	if repo.limit != 10 {
		t.Fatalf("ip limit: %d", repo.limit)
	}
}

func TestQuota_DayBoundaryUsesReferenceTimezone(t *testing.T) {
	repo := &stubCounterRepo{}
	svc := NewQuotaService(svcLogger(t), repo, QuotaConfig{LimitUser: 5, LimitIP: 5, Location: seoul(t)})

	// 2026-08-24 23:30 KST is still the 24th in Seoul, already the 24th
	// 14:30 in UTC.
	at := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	fixedNow(t, svc, at)

	adm, err := svc.Admit(context.Background(), requestdata.RequestData{
		PrincipalKind: requestdata.PrincipalKindUser, PrincipalID: "u-1",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if repo.lastDay != "2026-08-24" {
		t.Fatalf("day key: %s", repo.lastDay)
	}
	wantReset := time.Date(2026, 8, 25, 0, 0, 0, 0, seoul(t))
	if !adm.ResetAt.Equal(wantReset) {
		t.Fatalf("reset_at: got %v want %v", adm.ResetAt, wantReset)
	}
}

func TestQuota_DenialCarriesReason(t *testing.T) {
	repo := &stubCounterRepo{count: 10}
	svc := NewQuotaService(svcLogger(t), repo, QuotaConfig{LimitUser: 50, LimitIP: 10, Location: seoul(t)})

	adm, err := svc.Admit(context.Background(), requestdata.RequestData{
		PrincipalKind: requestdata.PrincipalKindIP, PrincipalID: "9.9.9.9",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if adm.Allowed || adm.Reason == "" || adm.ResetAt.IsZero() {
		t.Fatalf("denial incomplete: %+v", adm)
	}
}

func TestQuota_StoreFailurePolicy(t *testing.T) {
	repo := &stubCounterRepo{err: errors.New("db down")}
	svc := NewQuotaService(svcLogger(t), repo, QuotaConfig{
		LimitUser: 50, LimitIP: 10, Location: seoul(t), FailOpenAuthed: true,
	})

	authed, err := svc.Admit(context.Background(), requestdata.RequestData{
		PrincipalKind: requestdata.PrincipalKindUser, PrincipalID: "u-1",
	})
	if err != nil || !authed.Allowed {
		t.Fatalf("authed should fail open: %+v %v", authed, err)
	}

	anon, err := svc.Admit(context.Background(), requestdata.RequestData{
		PrincipalKind: requestdata.PrincipalKindIP, PrincipalID: "9.9.9.9",
	})
	if err != nil || anon.Allowed {
		t.Fatalf("anonymous must fail closed: %+v %v", anon, err)
	}
}

func TestQuota_MissingPrincipal(t *testing.T) {
	svc := NewQuotaService(svcLogger(t), &stubCounterRepo{}, QuotaConfig{LimitUser: 1, LimitIP: 1})
	if _, err := svc.Admit(context.Background(), requestdata.RequestData{}); err == nil {
		t.Fatalf("expected error for empty principal")
	}
}
