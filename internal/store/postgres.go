package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Migrate applies embedded migrations that have not been recorded yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return err
		}
		err = s.withTx(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, name)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return fmt.Errorf("apply %s: %w", name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users ---

const userColumns = `id, email, full_name, phone, role, village, district, state, preferred_language, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	var email, phone, village, district, state, lang sql.NullString
	if err := row.Scan(&u.ID, &email, &u.FullName, &phone, &u.Role,
		&village, &district, &state, &lang, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Email = email.String
	u.Phone = phone.String
	u.Village = village.String
	u.District = district.String
	u.State = state.String
	u.PreferredLanguage = lang.String
	return u, nil
}

// UpsertUser creates the user or updates the profile fields. Role is only set on
// insert; promoting a user to admin is an operator action done in the database.
func (s *PostgresStore) UpsertUser(ctx context.Context, u *User) error {
	if u.Role == "" {
		u.Role = RoleFarmer
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, full_name, phone, role, village, district, state, preferred_language)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			email = COALESCE(EXCLUDED.email, users.email),
			full_name = EXCLUDED.full_name,
			phone = EXCLUDED.phone,
			village = EXCLUDED.village,
			district = EXCLUDED.district,
			state = EXCLUDED.state,
			preferred_language = EXCLUDED.preferred_language,
			updated_at = now()
		RETURNING role, created_at, updated_at`,
		u.ID, nullString(u.Email), u.FullName, nullString(u.Phone), u.Role,
		nullString(u.Village), nullString(u.District), nullString(u.State), nullString(u.PreferredLanguage),
	).Scan(&u.Role, &u.CreatedAt, &u.UpdatedAt)
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (s *PostgresStore) SetUserRole(ctx context.Context, id uuid.UUID, role Role) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		UPDATE users SET role = $2, updated_at = now() WHERE id = $1
		RETURNING `+userColumns, id, role))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *PostgresStore) ListUsers(ctx context.Context, role *Role) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	args := []any{}
	if role != nil {
		query += ` WHERE role = $1`
		args = append(args, string(*role))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Batches ---

const batchColumns = `id, farmer_id, crop_name, variety, farm_location, area_acres, sowing_date, expected_harvest,
	status, current_stage, notes, verified_at, created_at, updated_at`

func scanBatch(row pgx.Row) (*Batch, error) {
	b := &Batch{}
	var variety, location, notes sql.NullString
	if err := row.Scan(&b.ID, &b.FarmerID, &b.CropName, &variety, &location, &b.AreaAcres,
		&b.SowingDate, &b.ExpectedHarvest, &b.Status, &b.CurrentStage, &notes,
		&b.VerifiedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Variety = variety.String
	b.FarmLocation = location.String
	b.Notes = notes.String
	return b, nil
}

// CreateBatch inserts the batch and its seven stages in one transaction.
func (s *PostgresStore) CreateBatch(ctx context.Context, b *Batch) ([]*Stage, error) {
	b.Status = BatchStatusActive
	b.CurrentStage = 1

	var stages []*Stage
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO batches (farmer_id, crop_name, variety, farm_location, area_acres,
				sowing_date, expected_harvest, status, current_stage, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id, created_at, updated_at`,
			b.FarmerID, b.CropName, nullString(b.Variety), nullString(b.FarmLocation), b.AreaAcres,
			b.SowingDate, b.ExpectedHarvest, b.Status, b.CurrentStage, nullString(b.Notes),
		).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		stages = NewStages(b.ID)
		for _, st := range stages {
			err := tx.QueryRow(ctx, `
				INSERT INTO stages (batch_id, number, name, status)
				VALUES ($1, $2, $3, $4)
				RETURNING id, updated_at`,
				st.BatchID, st.Number, st.Name, st.Status,
			).Scan(&st.ID, &st.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert stage %d: %w", st.Number, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stages, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	args := []any{}
	n := 0

	if filter.FarmerID != nil {
		n++
		query += fmt.Sprintf(" AND farmer_id = $%d", n)
		args = append(args, *filter.FarmerID)
	}
	if filter.Status != nil {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*filter.Status))
	}
	if filter.Crop != "" {
		n++
		query += fmt.Sprintf(" AND lower(crop_name) = lower($%d)", n)
		args = append(args, filter.Crop)
	}

	query += " ORDER BY created_at DESC"

	n++
	query += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limitOrDefault(filter.Limit, 100))

	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// --- Stages ---

const stageColumns = `id, batch_id, number, name, status, verified_images, completed_at, updated_at`

func scanStage(row pgx.Row) (*Stage, error) {
	st := &Stage{}
	err := row.Scan(&st.ID, &st.BatchID, &st.Number, &st.Name, &st.Status,
		&st.VerifiedImages, &st.CompletedAt, &st.UpdatedAt)
	return st, err
}

func getStages(ctx context.Context, q querier, batchID uuid.UUID) ([]*Stage, error) {
	rows, err := q.Query(ctx, `SELECT `+stageColumns+` FROM stages WHERE batch_id = $1 ORDER BY number`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []*Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

func (s *PostgresStore) GetStages(ctx context.Context, batchID uuid.UUID) ([]*Stage, error) {
	return getStages(ctx, s.pool, batchID)
}

func (s *PostgresStore) GetBatchDetail(ctx context.Context, id uuid.UUID) (*BatchDetail, error) {
	b, err := s.GetBatch(ctx, id)
	if err != nil || b == nil {
		return nil, err
	}
	detail := &BatchDetail{Batch: b}

	if detail.Stages, err = getStages(ctx, s.pool, id); err != nil {
		return nil, fmt.Errorf("stages: %w", err)
	}
	if detail.Images, err = s.ListImages(ctx, ImageFilter{BatchID: &id, Limit: 500}); err != nil {
		return nil, fmt.Errorf("images: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, stage_number, verified_images, image_hashes, verified_at
		FROM verified_stages WHERE batch_id = $1 ORDER BY stage_number`, id)
	if err != nil {
		return nil, fmt.Errorf("verified stages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		vs := &VerifiedStage{}
		if err := rows.Scan(&vs.ID, &vs.BatchID, &vs.StageNumber, &vs.VerifiedImages, &vs.ImageHashes, &vs.VerifiedAt); err != nil {
			return nil, err
		}
		detail.Verified = append(detail.Verified, vs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if detail.Certificate, err = s.GetCertificateForBatch(ctx, id); err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	return detail, nil
}

// CompleteStage marks a stage complete once it has at least minVerified
// approved images. The batch row is locked for the duration so concurrent
// completions of the same batch serialize; the next stage is opened and the
// batch flips to verified after the final stage.
func (s *PostgresStore) CompleteStage(ctx context.Context, batchID uuid.UUID, number, minVerified int) (*StageCompletion, error) {
	if !ValidStage(number) {
		return nil, fmt.Errorf("stage %d: %w", number, ErrNotFound)
	}

	result := &StageCompletion{}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		batch, err := scanBatch(tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, batchID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock batch: %w", err)
		}

		stage, err := scanStage(tx.QueryRow(ctx, `
			SELECT `+stageColumns+` FROM stages WHERE batch_id = $1 AND number = $2 FOR UPDATE`, batchID, number))
		if err != nil {
			return fmt.Errorf("lock stage: %w", err)
		}
		switch stage.Status {
		case StageStatusLocked:
			return ErrStageLocked
		case StageStatusCompleted:
			return ErrStageCompleted
		}

		hashes := []string{}
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(array_agg(lower(sha256) ORDER BY lower(sha256)), '{}')
			FROM stage_images
			WHERE batch_id = $1 AND stage_number = $2 AND status = 'approved'`, batchID, number,
		).Scan(&hashes)
		if err != nil {
			return fmt.Errorf("collect approved: %w", err)
		}
		approved := len(hashes)
		if approved < minVerified {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientImages, approved, minVerified)
		}

		now := time.Now().UTC()
		err = tx.QueryRow(ctx, `
			UPDATE stages SET status = 'completed', verified_images = $2, completed_at = $3, updated_at = $3
			WHERE id = $1
			RETURNING `+stageColumns, stage.ID, approved, now,
		).Scan(&stage.ID, &stage.BatchID, &stage.Number, &stage.Name, &stage.Status,
			&stage.VerifiedImages, &stage.CompletedAt, &stage.UpdatedAt)
		if err != nil {
			return fmt.Errorf("complete stage: %w", err)
		}

		vs := &VerifiedStage{BatchID: batchID, StageNumber: number, VerifiedImages: approved, ImageHashes: hashes}
		err = tx.QueryRow(ctx, `
			INSERT INTO verified_stages (batch_id, stage_number, verified_images, image_hashes, verified_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, verified_at`, batchID, number, approved, hashes, now,
		).Scan(&vs.ID, &vs.VerifiedAt)
		if err != nil {
			return fmt.Errorf("insert verified stage: %w", err)
		}

		if number < StageCount {
			next, err := scanStage(tx.QueryRow(ctx, `
				UPDATE stages SET status = 'open', updated_at = $3
				WHERE batch_id = $1 AND number = $2
				RETURNING `+stageColumns, batchID, number+1, now))
			if err != nil {
				return fmt.Errorf("open next stage: %w", err)
			}
			result.Next = next
			batch.CurrentStage = number + 1
		} else {
			batch.Status = BatchStatusVerified
			batch.VerifiedAt = &now
			result.BatchVerified = true
		}
		batch.UpdatedAt = now

		_, err = tx.Exec(ctx, `
			UPDATE batches SET status = $2, current_stage = $3, verified_at = $4, updated_at = $5
			WHERE id = $1`, batch.ID, batch.Status, batch.CurrentStage, batch.VerifiedAt, now)
		if err != nil {
			return fmt.Errorf("update batch: %w", err)
		}

		result.Batch = batch
		result.Stage = stage
		result.Verified = vs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- Stats ---

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Batches: make(map[BatchStatus]int),
		Images:  make(map[ImageStatus]int),
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM batches GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status BatchStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Batches[status] = count
	}
	rows.Close()

	rows, err = s.pool.Query(ctx, `SELECT status, COUNT(*) FROM stage_images GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status ImageStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Images[status] = count
	}
	rows.Close()

	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM appeals WHERE status = 'open'),
			(SELECT COUNT(*) FROM certificates),
			(SELECT COUNT(*) FROM certificates WHERE anchor_status = 'anchored'),
			(SELECT COUNT(*) FROM users WHERE role = 'farmer')`,
	).Scan(&stats.OpenAppeals, &stats.CertificatesIssued, &stats.CertificatesAnchored, &stats.Farmers)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
