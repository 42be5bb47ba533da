package services

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/repos"
	"github.com/yungbote/ipsibridge-backend/internal/requestdata"
	"github.com/yungbote/ipsibridge-backend/internal/utils"
)

// Admission is the quota verdict for one turn.
type Admission struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
	Reason    string
}

// QuotaService enforces the per-principal daily message limits. The
// counter row is the single authority; admission is one atomic upsert.
type QuotaService interface {
	Admit(ctx context.Context, rd requestdata.RequestData) (Admission, error)
	// PruneOld drops counter rows older than retainDays.
	PruneOld(ctx context.Context, retainDays int) error
}

type QuotaConfig struct {
	LimitUser      int64
	LimitIP        int64
	Location       *time.Location
	FailOpenAuthed bool
}

// QuotaConfigFromEnv reads DAILY_LIMIT_USER, DAILY_LIMIT_IP, TIMEZONE
// and RATE_LIMIT_FAIL_OPEN_AUTHED.
func QuotaConfigFromEnv(log *logger.Logger) (QuotaConfig, error) {
	tzName := utils.GetEnv("TIMEZONE", "Asia/Seoul", log)
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return QuotaConfig{}, fmt.Errorf("invalid TIMEZONE %q: %w", tzName, err)
	}
	return QuotaConfig{
		LimitUser:      int64(utils.GetEnvAsInt("DAILY_LIMIT_USER", 50, log)),
		LimitIP:        int64(utils.GetEnvAsInt("DAILY_LIMIT_IP", 10, log)),
		Location:       loc,
		FailOpenAuthed: utils.GetEnvAsBool("RATE_LIMIT_FAIL_OPEN_AUTHED", true, log),
	}, nil
}

type quotaService struct {
	log      *logger.Logger
	counters repos.UsageCounterRepo
	cfg      QuotaConfig
	now      func() time.Time
}

func NewQuotaService(log *logger.Logger, counters repos.UsageCounterRepo, cfg QuotaConfig) QuotaService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &quotaService{
		log:      log.With("service", "QuotaService"),
		counters: counters,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *quotaService) Admit(ctx context.Context, rd requestdata.RequestData) (Admission, error) {
	if rd.PrincipalID == "" {
		return Admission{}, fmt.Errorf("missing principal")
	}

	limit := s.cfg.LimitIP
	if rd.PrincipalKind == requestdata.PrincipalKindUser {
		limit = s.cfg.LimitUser
	}

	local := s.now().In(s.cfg.Location)
	day := local.Format("2006-01-02")
	resetAt := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location).AddDate(0, 0, 1)

	count, allowed, err := s.counters.IncrementIfBelow(ctx, string(rd.PrincipalKind), rd.PrincipalID, day, limit)
	if err != nil {
		// Counter store down. Authenticated users may pass (configurable);
		// anonymous traffic never does.
		if rd.PrincipalKind == requestdata.PrincipalKindUser && s.cfg.FailOpenAuthed {
			s.log.Error("quota store unreachable; admitting authenticated principal", "error", err)
			return Admission{Allowed: true, Remaining: 0, ResetAt: resetAt}, nil
		}
		s.log.Error("quota store unreachable; denying", "error", err)
		return Admission{
			Allowed: false,
			ResetAt: resetAt,
			Reason:  "일시적인 오류로 요청을 처리할 수 없습니다. 잠시 후 다시 시도해 주세요.",
		}, nil
	}

	if !allowed {
		return Admission{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
			Reason:    fmt.Sprintf("오늘의 질문 한도(%d회)를 모두 사용했습니다.", limit),
		}, nil
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Admission{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

func (s *quotaService) PruneOld(ctx context.Context, retainDays int) error {
	if retainDays <= 0 {
		retainDays = 30
	}
	cutoff := s.now().In(s.cfg.Location).AddDate(0, 0, -retainDays).Format("2006-01-02")
	n, err := s.counters.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("pruned usage counters", "rows", n, "before_day", cutoff)
	}
	return nil
}
