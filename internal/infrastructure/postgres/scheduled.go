package postgres

import (
	"context"
	"errors"
	"fmt"

	"chainfunnel/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScheduledStore keeps inputs scheduled for future block heights.
// Scheduling the same input twice for a height is a no-op.
type ScheduledStore struct {
	pool *pgxpool.Pool
}

func NewScheduledStore(ctx context.Context, connStr string) (*ScheduledStore, error) {
	if connStr == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS scheduled_data (
			id BIGSERIAL PRIMARY KEY,
			block_height BIGINT NOT NULL,
			input_data TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (block_height, input_data)
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &ScheduledStore{pool: pool}, nil
}

func (s *ScheduledStore) CreateScheduledData(ctx context.Context, blockHeight uint64, inputData string) error {
	ctx, span := startSpan(ctx, "postgres.CreateScheduledData", attribute.Int64("block.height", int64(blockHeight)))
	defer span.End()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_data (block_height, input_data)
		 VALUES ($1, $2)
		 ON CONFLICT (block_height, input_data) DO NOTHING`,
		int64(blockHeight), inputData,
	)
	return recordErr(span, err)
}

func (s *ScheduledStore) DeleteScheduledData(ctx context.Context, blockHeight uint64, inputData string) error {
	ctx, span := startSpan(ctx, "postgres.DeleteScheduledData", attribute.Int64("block.height", int64(blockHeight)))
	defer span.End()
	_, err := s.pool.Exec(ctx,
		`DELETE FROM scheduled_data WHERE block_height = $1 AND input_data = $2`,
		int64(blockHeight), inputData,
	)
	return recordErr(span, err)
}

func (s *ScheduledStore) ScheduledDataBetween(ctx context.Context, fromBlock, toBlock uint64) ([]domain.ScheduledInput, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT block_height, input_data FROM scheduled_data
		 WHERE block_height BETWEEN $1 AND $2
		 ORDER BY block_height ASC, id ASC`,
		int64(fromBlock), int64(toBlock),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var inputs []domain.ScheduledInput
	for rows.Next() {
		var height int64
		var input domain.ScheduledInput
		if err := rows.Scan(&height, &input.InputData); err != nil {
			return nil, err
		}
		input.BlockHeight = uint64(height)
		inputs = append(inputs, input)
	}
	return inputs, rows.Err()
}

func (s *ScheduledStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *ScheduledStore) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"))
	return otel.Tracer("chainfunnel/postgres").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
