package audit

import (
	"context"

	"fintrack-auth/internal/models"

	"go.uber.org/zap"
)

// Execer is satisfied by client.ClickHouseClient.
type Execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// Indexer is satisfied by client.ESClient.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// Inserter is satisfied by scylla.SecurityEventRepository.
type Inserter interface {
	Insert(ctx context.Context, ev *models.SecurityEvent) error
}

const createClickHouseTable = `
CREATE TABLE IF NOT EXISTS security_events (
    event_id UUID,
    event_bucket UInt16,
    account_id String,
    event_date Date,
    event_time DateTime64(3, 'UTC'),
    event_type LowCardinality(String),
    flow LowCardinality(String),
    outcome LowCardinality(String),
    ip_address String,
    user_agent String,
    request_id String,
    risk_score UInt8,
    details Map(String, String)
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_date, event_type, event_time)`

const insertClickHouse = `
INSERT INTO security_events (
    event_id, event_bucket, account_id, event_date, event_time, event_type,
    flow, outcome, ip_address, user_agent, request_id, risk_score, details
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type ClickHouseSink struct {
	conn Execer
}

func NewClickHouseSink(conn Execer) *ClickHouseSink {
	return &ClickHouseSink{conn: conn}
}

// EnsureTable creates the events table if it does not exist.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, createClickHouseTable)
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, ev *models.SecurityEvent) error {
	details := ev.Details
	if details == nil {
		details = map[string]string{}
	}
	return s.conn.Exec(ctx, insertClickHouse,
		ev.EventID, uint16(ev.EventBucket), ev.AccountID, ev.EventTime, ev.EventTime,
		string(ev.EventType), ev.Flow, ev.Outcome, ev.IPAddress, ev.UserAgent,
		ev.RequestID, uint8(ev.RiskScore), details,
	)
}

type ElasticsearchSink struct {
	es    Indexer
	index string
}

func NewElasticsearchSink(es Indexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, ev *models.SecurityEvent) error {
	return s.es.IndexDocument(ctx, s.index, ev.EventID.String(), ev)
}

type ScyllaSink struct {
	repo Inserter
}

func NewScyllaSink(repo Inserter) *ScyllaSink {
	return &ScyllaSink{repo: repo}
}

func (s *ScyllaSink) Name() string { return "scylla" }

func (s *ScyllaSink) Write(ctx context.Context, ev *models.SecurityEvent) error {
	return s.repo.Insert(ctx, ev)
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, ev *models.SecurityEvent) error {
	s.logger.Info("security event",
		zap.String("event_id", ev.EventID.String()),
		zap.String("event_type", string(ev.EventType)),
		zap.String("account_id", ev.AccountID),
		zap.String("flow", ev.Flow),
		zap.String("outcome", ev.Outcome),
		zap.String("ip_address", ev.IPAddress),
		zap.Int("risk_score", ev.RiskScore),
	)
	return nil
}
