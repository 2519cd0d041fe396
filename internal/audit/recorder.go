// Package audit records security events to analytics sinks. Recording is
// best effort: a failing sink is logged and never surfaces to callers.
package audit

import (
	"context"
	"time"

	"fintrack-auth/internal/bucketing"
	"fintrack-auth/internal/clock"
	"fintrack-auth/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Sink persists one security event.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev *models.SecurityEvent) error
}

// Event is what callers report. Request metadata is taken from the context.
type Event struct {
	Type      models.SecurityEventType
	AccountID uuid.UUID
	Flow      models.Flow
	Outcome   string
	Details   map[string]string
}

type Recorder struct {
	sinks     []Sink
	bucketing *bucketing.BucketingManager
	clock     clock.Clock
	timeout   time.Duration
	logger    *zap.Logger
}

func NewRecorder(sinks []Sink, bm *bucketing.BucketingManager, clk clock.Clock, timeout time.Duration, logger *zap.Logger) *Recorder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Recorder{
		sinks:     sinks,
		bucketing: bm,
		clock:     clk,
		timeout:   timeout,
		logger:    logger,
	}
}

// Record fans ev out to every sink and waits for them up to the timeout.
// The caller's cancellation does not abort the write.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	se := r.build(ctx, ev)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(wctx)
	for _, sink := range r.sinks {
		g.Go(func() error {
			if err := sink.Write(gctx, se); err != nil {
				r.logger.Warn("audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("event_type", string(se.EventType)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Recorder) build(ctx context.Context, ev Event) *models.SecurityEvent {
	now := r.clock.Now()
	meta := MetaFrom(ctx)

	outcome := ev.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	account := ""
	if ev.AccountID != uuid.Nil {
		account = ev.AccountID.String()
	}
	bucketKey := account
	if bucketKey == "" {
		bucketKey = meta.IPAddress
	}

	return &models.SecurityEvent{
		EventID:     uuid.New(),
		EventBucket: r.bucketing.GetEventBucket(bucketKey),
		AccountID:   account,
		EventDate:   r.bucketing.GetDateBucket(now),
		EventTime:   now.UTC(),
		EventType:   ev.Type,
		Flow:        string(ev.Flow),
		Outcome:     outcome,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		RequestID:   meta.RequestID,
		RiskScore:   riskScore(ev.Type, outcome),
		Details:     ev.Details,
	}
}

// riskScore is a coarse 0-100 hint for analysts.
func riskScore(t models.SecurityEventType, outcome string) int {
	switch t {
	case models.EventLoginFailed:
		return 60
	case models.EventOTPRejected:
		return 40
	case models.EventOTPRateLimited:
		return 30
	case models.EventPinReset, models.EventPhoneChanged:
		return 20
	}
	if outcome == OutcomeFailure {
		return 25
	}
	return 0
}
