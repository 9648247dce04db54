package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chainfunnel/internal/domain"

	_ "modernc.org/sqlite"
)

// Repository keeps the feed, the poller state and scheduled inputs in one
// SQLite file. It is meant for local runs and tests.
type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS chain_blocks (
			chain_id INTEGER NOT NULL,
			block_number INTEGER NOT NULL,
			block_hash TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (chain_id, block_number)
		)`,
		`CREATE TABLE IF NOT EXISTS submissions (
			chain_id INTEGER NOT NULL,
			block_number INTEGER NOT NULL,
			position INTEGER NOT NULL,
			user_address TEXT NOT NULL,
			input_data TEXT NOT NULL,
			input_nonce TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (chain_id, block_number, position)
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			block_height INTEGER NOT NULL,
			input_data TEXT NOT NULL,
			UNIQUE(block_height, input_data)
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
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
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	blockStmt, err := tx.PrepareContext(ctx, `INSERT INTO chain_blocks (chain_id, block_number, block_hash, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id, block_number) DO UPDATE SET
			block_hash = excluded.block_hash,
			timestamp = excluded.timestamp`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer blockStmt.Close()
	submissionStmt, err := tx.PrepareContext(ctx, `INSERT INTO submissions (chain_id, block_number, position, user_address, input_data, input_nonce)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer submissionStmt.Close()

	for _, block := range blocks {
		if _, err := blockStmt.ExecContext(ctx, chainID, block.BlockNumber, block.BlockHash, block.Timestamp); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE chain_id = ? AND block_number = ?`, chainID, block.BlockNumber); err != nil {
			_ = tx.Rollback()
			return err
		}
		for position, submission := range block.SubmittedData {
			if _, err := submissionStmt.ExecContext(ctx, chainID, block.BlockNumber, position, submission.UserAddress, submission.InputData, submission.InputNonce); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}

func (r *Repository) ChainDataRange(ctx context.Context, chainID uint64, fromBlock, toBlock uint64) ([]domain.ChainData, error) {
	if toBlock < fromBlock {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT block_number, block_hash, timestamp FROM chain_blocks
		WHERE chain_id = ? AND block_number BETWEEN ? AND ?
		ORDER BY block_number ASC`, chainID, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	var blocks []domain.ChainData
	index := make(map[uint64]int)
	for rows.Next() {
		var block domain.ChainData
		if err := rows.Scan(&block.BlockNumber, &block.BlockHash, &block.Timestamp); err != nil {
			rows.Close()
			return nil, err
		}
		index[block.BlockNumber] = len(blocks)
		blocks = append(blocks, block)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	rows, err = r.db.QueryContext(ctx, `SELECT block_number, user_address, input_data, input_nonce FROM submissions
		WHERE chain_id = ? AND block_number BETWEEN ? AND ?
		ORDER BY block_number ASC, position ASC`, chainID, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var blockNumber uint64
		var submission domain.SubmittedChainData
		if err := rows.Scan(&blockNumber, &submission.UserAddress, &submission.InputData, &submission.InputNonce); err != nil {
			return nil, err
		}
		if i, ok := index[blockNumber]; ok {
			blocks[i].SubmittedData = append(blocks[i].SubmittedData, submission)
		}
	}
	return blocks, rows.Err()
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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE chain_id = ? AND block_number >= ?`, chainID, fromBlock); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chain_blocks WHERE chain_id = ? AND block_number >= ?`, chainID, fromBlock); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *Repository) CreateScheduledData(ctx context.Context, blockHeight uint64, inputData string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO scheduled_data (block_height, input_data) VALUES (?, ?)
		ON CONFLICT(block_height, input_data) DO NOTHING`, blockHeight, inputData)
	return err
}

func (r *Repository) DeleteScheduledData(ctx context.Context, blockHeight uint64, inputData string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_data WHERE block_height = ? AND input_data = ?`, blockHeight, inputData)
	return err
}

func (r *Repository) ScheduledDataBetween(ctx context.Context, fromBlock, toBlock uint64) ([]domain.ScheduledInput, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT block_height, input_data FROM scheduled_data
		WHERE block_height BETWEEN ? AND ?
		ORDER BY block_height ASC, id ASC`, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var inputs []domain.ScheduledInput
	for rows.Next() {
		var input domain.ScheduledInput
		if err := rows.Scan(&input.BlockHeight, &input.InputData); err != nil {
			return nil, err
		}
		inputs = append(inputs, input)
	}
	return inputs, rows.Err()
}

func (r *Repository) LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var value string
	if err := r.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, stateKey(chainID)).Scan(&value); err != nil {
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
	_, err := r.db.ExecContext(ctx, `INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, stateKey(chainID), fmt.Sprintf("%d", block))
	return err
}

func (r *Repository) ClearLastProcessedBlock(ctx context.Context, chainID uint64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, stateKey(chainID))
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
