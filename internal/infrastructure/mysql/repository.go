package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chainfunnel/internal/domain"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Repository stores the feed in MySQL. Blocks and their submissions are
// written in one transaction so a stored block is always complete.
type Repository struct {
	db *sql.DB
}

func NewRepository(dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS chain_blocks (
			chain_id BIGINT UNSIGNED NOT NULL,
			block_number BIGINT UNSIGNED NOT NULL,
			block_hash VARCHAR(66) NOT NULL,
			timestamp BIGINT UNSIGNED NOT NULL,
			PRIMARY KEY (chain_id, block_number)
		)`,
		`CREATE TABLE IF NOT EXISTS submissions (
			chain_id BIGINT UNSIGNED NOT NULL,
			block_number BIGINT UNSIGNED NOT NULL,
			position INT UNSIGNED NOT NULL,
			user_address VARCHAR(42) NOT NULL,
			input_data MEDIUMTEXT NOT NULL,
			input_nonce VARCHAR(66) NOT NULL DEFAULT '',
			PRIMARY KEY (chain_id, block_number, position),
			KEY submissions_user_idx (chain_id, user_address)
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			state_key VARCHAR(64) NOT NULL,
			state_value VARCHAR(64) NOT NULL,
			PRIMARY KEY (state_key)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) StoreChainData(ctx context.Context, chainID uint64, blocks []domain.ChainData) error {
	if len(blocks) == 0 {
		return nil
	}
	ctx, span := startDBSpan(ctx, "mysql.StoreChainData",
		attribute.Int64("chain.id", int64(chainID)),
		attribute.Int("block.count", len(blocks)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return recordErr(span, err)
	}
	blockStmt, err := tx.PrepareContext(ctx, `INSERT INTO chain_blocks (chain_id, block_number, block_hash, timestamp)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			block_hash = VALUES(block_hash),
			timestamp = VALUES(timestamp)`)
	if err != nil {
		_ = tx.Rollback()
		return recordErr(span, err)
	}
	defer blockStmt.Close()
	submissionStmt, err := tx.PrepareContext(ctx, `INSERT INTO submissions (chain_id, block_number, position, user_address, input_data, input_nonce)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return recordErr(span, err)
	}
	defer submissionStmt.Close()

	for _, block := range blocks {
		if _, err := blockStmt.ExecContext(ctx, chainID, block.BlockNumber, block.BlockHash, block.Timestamp); err != nil {
			_ = tx.Rollback()
			return recordErr(span, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE chain_id = ? AND block_number = ?`, chainID, block.BlockNumber); err != nil {
			_ = tx.Rollback()
			return recordErr(span, err)
		}
		for position, submission := range block.SubmittedData {
			if _, err := submissionStmt.ExecContext(ctx, chainID, block.BlockNumber, position, submission.UserAddress, submission.InputData, submission.InputNonce); err != nil {
				_ = tx.Rollback()
				return recordErr(span, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return recordErr(span, err)
	}
	return nil
}

func (r *Repository) ChainDataRange(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]domain.ChainData, error) {
	if toBlock < fromBlock {
		return nil, nil
	}
	ctx, span := startDBSpan(ctx, "mysql.ChainDataRange",
		attribute.Int64("range.from", int64(fromBlock)),
		attribute.Int64("range.to", int64(toBlock)),
	)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT block_number, block_hash, timestamp FROM chain_blocks
		WHERE chain_id = ? AND block_number BETWEEN ? AND ?
		ORDER BY block_number ASC`, chainID, fromBlock, toBlock)
	if err != nil {
		return nil, recordErr(span, err)
	}
	var blocks []domain.ChainData
	index := make(map[uint64]int)
	for rows.Next() {
		var block domain.ChainData
		if err := rows.Scan(&block.BlockNumber, &block.BlockHash, &block.Timestamp); err != nil {
			rows.Close()
			return nil, recordErr(span, err)
		}
		index[block.BlockNumber] = len(blocks)
		blocks = append(blocks, block)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, err)
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	rows, err = r.db.QueryContext(ctx, `SELECT block_number, user_address, input_data, input_nonce FROM submissions
		WHERE chain_id = ? AND block_number BETWEEN ? AND ?
		ORDER BY block_number ASC, position ASC`, chainID, fromBlock, toBlock)
	if err != nil {
		return nil, recordErr(span, err)
	}
	defer rows.Close()
	for rows.Next() {
		var blockNumber uint64
		var submission domain.SubmittedChainData
		if err := rows.Scan(&blockNumber, &submission.UserAddress, &submission.InputData, &submission.InputNonce); err != nil {
			return nil, recordErr(span, err)
		}
		if i, ok := index[blockNumber]; ok {
			blocks[i].SubmittedData = append(blocks[i].SubmittedData, submission)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, recordErr(span, err)
	}
	return blocks, nil
}

func (r *Repository) BlockHash(ctx context.Context, chainID uint64, blockNumber uint64) (string, bool, error) {
	var hash string
	if err := r.db.QueryRowContext(ctx, `SELECT block_hash FROM chain_blocks WHERE chain_id = ? AND block_number = ?`, chainID, blockNumber).Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return hash, true, nil
}

func (r *Repository) DeleteChainDataFrom(ctx context.Context, chainID uint64, fromBlock uint64) error {
	ctx, span := startDBSpan(ctx, "mysql.DeleteChainDataFrom",
		attribute.Int64("chain.id", int64(chainID)),
		attribute.Int64("block.from", int64(fromBlock)),
	)
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return recordErr(span, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE chain_id = ? AND block_number >= ?`, chainID, fromBlock); err != nil {
		_ = tx.Rollback()
		return recordErr(span, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chain_blocks WHERE chain_id = ? AND block_number >= ?`, chainID, fromBlock); err != nil {
		_ = tx.Rollback()
		return recordErr(span, err)
	}
	if err := tx.Commit(); err != nil {
		return recordErr(span, err)
	}
	return nil
}

func (r *Repository) LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var value string
	if err := r.db.QueryRowContext(ctx, `SELECT state_value FROM state WHERE state_key = ?`, stateKey(chainID)).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var block uint64
	if _, err := fmt.Sscanf(value, "%d", &block); err != nil {
		return 0, false, err
	}
	return block, true, nil
}

func (r *Repository) SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error {
	ctx, span := startDBSpan(ctx, "mysql.SetLastProcessedBlock",
		attribute.Int64("chain.id", int64(chainID)),
		attribute.Int64("block.number", int64(block)),
	)
	defer span.End()
	_, err := r.db.ExecContext(ctx, `INSERT INTO state (state_key, state_value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE state_value = VALUES(state_value)`, stateKey(chainID), fmt.Sprintf("%d", block))
	if err != nil {
		return recordErr(span, err)
	}
	return nil
}

func (r *Repository) ClearLastProcessedBlock(ctx context.Context, chainID uint64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM state WHERE state_key = ?`, stateKey(chainID))
	return err
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func stateKey(chainID uint64) string {
	return fmt.Sprintf("last_block:%d", chainID)
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "mysql"))
	return otel.Tracer("chainfunnel/mysql").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
