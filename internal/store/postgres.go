package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/admission"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

const auditTimeout = 2 * time.Second

// PostgresStore reads the platform's conversations table and writes the
// admission audit table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewPostgresStore creates a connection pool and fails fast if the database
// is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string, log *logger.Logger) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, logger: log.Component("store")}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by the readiness endpoint.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// ConversationExists implements ConversationLookup.
func (p *PostgresStore) ConversationExists(ctx context.Context, conversationID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id::text = $1)`,
		conversationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conversation lookup: %w", err)
	}
	return exists, nil
}

// RecordRejection implements admission.AuditSink. Failures are logged and
// never affect the admission decision.
func (p *PostgresStore) RecordRejection(ctx context.Context, req admission.Request, rerr *admission.Error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	_, err := p.pool.Exec(ctx,
		`INSERT INTO delivery_admission_rejections (conversation_id, code, remote_ip, origin, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		req.ConversationID, rerr.Code, req.RemoteIP, req.ClaimedOrigin(), rerr.Error(),
	)
	if err != nil {
		p.logger.Warn("failed to record admission rejection",
			zap.String("conversation_id", req.ConversationID),
			zap.String("code", rerr.Code),
			zap.Error(err),
		)
	}
}
