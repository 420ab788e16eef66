package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const certificateColumns = `id, batch_id, code, payload_hash, issued_at, anchor_status, anchor_attempts,
	next_anchor_at, transaction_id, network, anchored_at, last_error`

func scanCertificate(row pgx.Row) (*Certificate, error) {
	c := &Certificate{}
	var txID, network, lastErr sql.NullString
	if err := row.Scan(&c.ID, &c.BatchID, &c.Code, &c.PayloadHash, &c.IssuedAt, &c.AnchorStatus, &c.AnchorAttempts,
		&c.NextAnchorAt, &txID, &network, &c.AnchoredAt, &lastErr); err != nil {
		return nil, err
	}
	c.TransactionID = txID.String
	c.Network = network.String
	c.LastError = lastErr.String
	return c, nil
}

func (s *PostgresStore) IssueCertificate(ctx context.Context, c *Certificate) (*Certificate, bool, error) {
	var out *Certificate
	created := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		batch, err := scanBatch(tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, c.BatchID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock batch: %w", err)
		}

		existing, err := scanCertificate(tx.QueryRow(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE batch_id = $1`, c.BatchID))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lookup certificate: %w", err)
		}

		if batch.Status != BatchStatusVerified {
			return fmt.Errorf("batch is %s: %w", batch.Status, ErrInvalidState)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO certificates (batch_id, code, payload_hash, anchor_status, next_anchor_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, issued_at`,
			c.BatchID, c.Code, c.PayloadHash, c.AnchorStatus, c.NextAnchorAt,
		).Scan(&c.ID, &c.IssuedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("certificate code collision: %w", ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert certificate: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE batches SET status = 'certified', updated_at = now() WHERE id = $1`, c.BatchID)
		if err != nil {
			return fmt.Errorf("certify batch: %w", err)
		}
		out = c
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *PostgresStore) GetCertificateByCode(ctx context.Context, code string) (*Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) GetCertificateForBatch(ctx context.Context, batchID uuid.UUID) (*Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE batch_id = $1`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ClaimAnchorDue returns pending certificates whose next attempt is due and
// pushes their next_anchor_at forward by lease so other workers skip them.
func (s *PostgresStore) ClaimAnchorDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Certificate, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE certificates SET next_anchor_at = $2
		WHERE id IN (
			SELECT id FROM certificates
			WHERE anchor_status = 'pending' AND (next_anchor_at IS NULL OR next_anchor_at <= $1)
			ORDER BY next_anchor_at ASC NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+certificateColumns, now, now.Add(lease), limitOrDefault(limit, 10))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordAnchorResult(ctx context.Context, c *Certificate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE certificates SET anchor_status = $2, anchor_attempts = $3, next_anchor_at = $4,
			transaction_id = $5, network = $6, anchored_at = $7, last_error = $8
		WHERE id = $1`,
		c.ID, c.AnchorStatus, c.AnchorAttempts, c.NextAnchorAt,
		nullString(c.TransactionID), nullString(c.Network), c.AnchoredAt, nullString(c.LastError))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
