package scylla

import (
	"context"
	"fmt"

	"fintrack-auth/internal/models"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

// CreateSecurityEventsTable is applied by operators; the service never
// issues DDL against Scylla at runtime.
const CreateSecurityEventsTable = `
CREATE TABLE IF NOT EXISTS security_events (
    event_bucket int,
    event_date text,
    event_time timestamp,
    event_id uuid,
    account_id text,
    event_type text,
    flow text,
    outcome text,
    ip_address text,
    user_agent text,
    request_id text,
    risk_score int,
    details map<text, text>,
    PRIMARY KEY ((event_bucket, event_date), event_time, event_id)
) WITH CLUSTERING ORDER BY (event_time DESC, event_id ASC)`

const insertSecurityEvent = `
INSERT INTO security_events (
    event_bucket, event_date, event_time, event_id, account_id, event_type,
    flow, outcome, ip_address, user_agent, request_id, risk_score, details
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SecurityEventRepository writes audit rows partitioned by bucket and day.
type SecurityEventRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

func NewSecurityEventRepository(client *ScyllaClient, logger *zap.Logger) *SecurityEventRepository {
	return &SecurityEventRepository{client: client, logger: logger}
}

func (r *SecurityEventRepository) Insert(ctx context.Context, ev *models.SecurityEvent) error {
	query := r.client.Session.Query(insertSecurityEvent,
		ev.EventBucket, ev.EventDate, ev.EventTime, gocql.UUID(ev.EventID), ev.AccountID,
		string(ev.EventType), ev.Flow, ev.Outcome, ev.IPAddress, ev.UserAgent,
		ev.RequestID, ev.RiskScore, ev.Details,
	)

	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		r.logger.Error("Failed to insert security event",
			zap.String("event_id", ev.EventID.String()),
			zap.String("event_type", string(ev.EventType)),
			zap.Error(err))
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}
