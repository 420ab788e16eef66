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

const imageColumns = `id, batch_id, stage_number, uploaded_by, image_url, sha256, caption,
	latitude, longitude, captured_at, status, screening_attempts, reviewed_by, review_note,
	created_at, updated_at`

func scanImage(row pgx.Row) (*StageImage, error) {
	img := &StageImage{}
	var caption, reviewNote sql.NullString
	if err := row.Scan(&img.ID, &img.BatchID, &img.StageNumber, &img.UploadedBy, &img.ImageURL, &img.SHA256, &caption,
		&img.Latitude, &img.Longitude, &img.CapturedAt, &img.Status, &img.ScreeningAttempts, &img.ReviewedBy, &reviewNote,
		&img.CreatedAt, &img.UpdatedAt); err != nil {
		return nil, err
	}
	img.Caption = caption.String
	img.ReviewNote = reviewNote.String
	return img, nil
}

func scanImages(rows pgx.Rows) ([]*StageImage, error) {
	defer rows.Close()
	var images []*StageImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// CreateImage records an upload against an open stage of an active batch.
// The same photo (by SHA-256) cannot be reused within a batch.
func (s *PostgresStore) CreateImage(ctx context.Context, img *StageImage) error {
	if !ValidStage(img.StageNumber) {
		return fmt.Errorf("stage %d: %w", img.StageNumber, ErrNotFound)
	}
	img.Status = ImageStatusPending

	return s.withTx(ctx, func(tx pgx.Tx) error {
		var batchStatus BatchStatus
		var stageStatus StageStatus
		err := tx.QueryRow(ctx, `
			SELECT b.status, st.status
			FROM batches b JOIN stages st ON st.batch_id = b.id
			WHERE b.id = $1 AND st.number = $2
			FOR SHARE OF st`, img.BatchID, img.StageNumber,
		).Scan(&batchStatus, &stageStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check stage: %w", err)
		}
		if batchStatus != BatchStatusActive {
			return fmt.Errorf("batch is %s: %w", batchStatus, ErrInvalidState)
		}
		switch stageStatus {
		case StageStatusLocked:
			return ErrStageLocked
		case StageStatusCompleted:
			return ErrStageCompleted
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO stage_images (batch_id, stage_number, uploaded_by, image_url, sha256, caption,
				latitude, longitude, captured_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id, created_at, updated_at`,
			img.BatchID, img.StageNumber, img.UploadedBy, img.ImageURL, img.SHA256, nullString(img.Caption),
			img.Latitude, img.Longitude, img.CapturedAt, img.Status,
		).Scan(&img.ID, &img.CreatedAt, &img.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("image already uploaded for this batch: %w", ErrConflict)
		}
		return err
	})
}

func (s *PostgresStore) GetImage(ctx context.Context, id uuid.UUID) (*StageImage, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM stage_images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return img, err
}

func (s *PostgresStore) ListImages(ctx context.Context, filter ImageFilter) ([]*StageImage, error) {
	query := `SELECT ` + imageColumns + ` FROM stage_images WHERE 1=1`
	args := []any{}
	n := 0

	if filter.Status != nil {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*filter.Status))
	}
	if filter.BatchID != nil {
		n++
		query += fmt.Sprintf(" AND batch_id = $%d", n)
		args = append(args, *filter.BatchID)
	}
	if filter.StageNumber > 0 {
		n++
		query += fmt.Sprintf(" AND stage_number = $%d", n)
		args = append(args, filter.StageNumber)
	}

	query += " ORDER BY created_at ASC"
	n++
	query += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limitOrDefault(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanImages(rows)
}

// ClaimPendingImages moves up to limit pending images into screening. Images
// stuck in screening longer than staleAfter (a crashed worker) are reclaimed.
// SKIP LOCKED lets several service replicas claim concurrently.
func (s *PostgresStore) ClaimPendingImages(ctx context.Context, limit int, staleAfter time.Duration) ([]*StageImage, error) {
	staleBefore := time.Now().UTC().Add(-staleAfter)
	rows, err := s.pool.Query(ctx, `
		UPDATE stage_images SET status = 'screening', screening_attempts = screening_attempts + 1, updated_at = now()
		WHERE id IN (
			SELECT id FROM stage_images
			WHERE status = 'pending' OR (status = 'screening' AND updated_at < $2)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+imageColumns, limitOrDefault(limit, 20), staleBefore)
	if err != nil {
		return nil, err
	}
	return scanImages(rows)
}

func (s *PostgresStore) ReleaseImage(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stage_images SET status = 'pending', updated_at = now()
		WHERE id = $1 AND status = 'screening'`, id)
	return err
}

// RecordValidation stores the screening result and applies its verdict to the image.
func (s *PostgresStore) RecordValidation(ctx context.Context, v *AIValidation) (*StageImage, error) {
	var img *StageImage
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		img, err = scanImage(tx.QueryRow(ctx, `SELECT `+imageColumns+` FROM stage_images WHERE id = $1 FOR UPDATE`, v.ImageID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock image: %w", err)
		}
		if img.Status != ImageStatusScreening && img.Status != ImageStatusPending {
			return fmt.Errorf("image is %s: %w", img.Status, ErrInvalidState)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO ai_validations (image_id, authenticity_score, deepfake_probability, tamper_score,
				combined_score, verdict, model_version, labels, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, created_at`,
			v.ImageID, v.AuthenticityScore, v.DeepfakeProbability, v.TamperScore,
			v.CombinedScore, v.Verdict, nullString(v.ModelVersion), v.Labels, nullString(v.Error),
		).Scan(&v.ID, &v.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert validation: %w", err)
		}

		return setImageStatus(ctx, tx, img, v.Verdict.ImageStatus(), nil, "")
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// setImageStatus updates the image row and, when it becomes approved, bumps
// the verified image count of its stage unless the stage is already completed.
func setImageStatus(ctx context.Context, q querier, img *StageImage, status ImageStatus, reviewer *uuid.UUID, note string) error {
	err := q.QueryRow(ctx, `
		UPDATE stage_images SET status = $2, reviewed_by = COALESCE($3, reviewed_by),
			review_note = COALESCE($4, review_note), updated_at = now()
		WHERE id = $1
		RETURNING updated_at`, img.ID, status, reviewer, nullString(note),
	).Scan(&img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	img.Status = status
	if reviewer != nil {
		img.ReviewedBy = reviewer
	}
	if note != "" {
		img.ReviewNote = note
	}

	if status == ImageStatusApproved {
		_, err = q.Exec(ctx, `
			UPDATE stages SET verified_images = verified_images + 1, updated_at = now()
			WHERE batch_id = $1 AND number = $2 AND status <> 'completed'`, img.BatchID, img.StageNumber)
		if err != nil {
			return fmt.Errorf("bump verified count: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetValidations(ctx context.Context, imageID uuid.UUID) ([]*AIValidation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, image_id, authenticity_score, deepfake_probability, tamper_score,
			combined_score, verdict, model_version, labels, error, created_at
		FROM ai_validations WHERE image_id = $1 ORDER BY created_at ASC`, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AIValidation
	for rows.Next() {
		v := &AIValidation{}
		var modelVersion, verr sql.NullString
		if err := rows.Scan(&v.ID, &v.ImageID, &v.AuthenticityScore, &v.DeepfakeProbability, &v.TamperScore,
			&v.CombinedScore, &v.Verdict, &modelVersion, &v.Labels, &verr, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.ModelVersion = modelVersion.String
		v.Error = verr.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// ReviewImage applies an admin decision to a flagged image.
func (s *PostgresStore) ReviewImage(ctx context.Context, id, reviewer uuid.UUID, approve bool, note string) (*StageImage, error) {
	var img *StageImage
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		img, err = scanImage(tx.QueryRow(ctx, `SELECT `+imageColumns+` FROM stage_images WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock image: %w", err)
		}
		if img.Status != ImageStatusFlagged {
			return fmt.Errorf("image is %s: %w", img.Status, ErrInvalidState)
		}

		status := ImageStatusRejected
		if approve {
			status = ImageStatusApproved
		}
		return setImageStatus(ctx, tx, img, status, &reviewer, note)
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// --- Appeals ---

const appealColumns = `id, image_id, batch_id, farmer_id, reason, status, resolved_by, resolution_note, created_at, resolved_at`

func scanAppeal(row pgx.Row) (*Appeal, error) {
	a := &Appeal{}
	var note sql.NullString
	if err := row.Scan(&a.ID, &a.ImageID, &a.BatchID, &a.FarmerID, &a.Reason, &a.Status,
		&a.ResolvedBy, &note, &a.CreatedAt, &a.ResolvedAt); err != nil {
		return nil, err
	}
	a.ResolutionNote = note.String
	return a, nil
}

// CreateAppeal disputes a rejected image. Each image can be appealed once.
func (s *PostgresStore) CreateAppeal(ctx context.Context, a *Appeal) error {
	a.Status = AppealStatusOpen
	return s.withTx(ctx, func(tx pgx.Tx) error {
		img, err := scanImage(tx.QueryRow(ctx, `SELECT `+imageColumns+` FROM stage_images WHERE id = $1 FOR UPDATE`, a.ImageID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock image: %w", err)
		}
		if img.Status != ImageStatusRejected {
			return fmt.Errorf("only rejected images can be appealed, image is %s: %w", img.Status, ErrInvalidState)
		}
		a.BatchID = img.BatchID

		err = tx.QueryRow(ctx, `
			INSERT INTO appeals (image_id, batch_id, farmer_id, reason, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at`,
			a.ImageID, a.BatchID, a.FarmerID, a.Reason, a.Status,
		).Scan(&a.ID, &a.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("image already appealed: %w", ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert appeal: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE stage_images SET status = 'appealed', updated_at = now() WHERE id = $1`, img.ID)
		return err
	})
}

func (s *PostgresStore) GetAppeal(ctx context.Context, id uuid.UUID) (*Appeal, error) {
	a, err := scanAppeal(s.pool.QueryRow(ctx, `SELECT `+appealColumns+` FROM appeals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) ListAppeals(ctx context.Context, filter AppealFilter) ([]*Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals`
	args := []any{}
	if filter.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*filter.Status))
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, len(args)+1)
	args = append(args, limitOrDefault(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appeal
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAppeal closes an open appeal and moves the image to approved
// (upheld) or back to rejected (denied) in the same transaction.
func (s *PostgresStore) ResolveAppeal(ctx context.Context, id, reviewer uuid.UUID, uphold bool, note string) (*Appeal, *StageImage, error) {
	var appeal *Appeal
	var img *StageImage
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		appeal, err = scanAppeal(tx.QueryRow(ctx, `SELECT `+appealColumns+` FROM appeals WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock appeal: %w", err)
		}
		if appeal.Status != AppealStatusOpen {
			return fmt.Errorf("appeal is %s: %w", appeal.Status, ErrInvalidState)
		}

		img, err = scanImage(tx.QueryRow(ctx, `SELECT `+imageColumns+` FROM stage_images WHERE id = $1 FOR UPDATE`, appeal.ImageID))
		if err != nil {
			return fmt.Errorf("lock image: %w", err)
		}
		if img.Status != ImageStatusAppealed {
			return fmt.Errorf("image is %s: %w", img.Status, ErrInvalidState)
		}

		appeal.Status = AppealStatusDenied
		imgStatus := ImageStatusRejected
		if uphold {
			appeal.Status = AppealStatusUpheld
			imgStatus = ImageStatusApproved
		}
		now := time.Now().UTC()
		appeal.ResolvedBy = &reviewer
		appeal.ResolutionNote = note
		appeal.ResolvedAt = &now

		_, err = tx.Exec(ctx, `
			UPDATE appeals SET status = $2, resolved_by = $3, resolution_note = $4, resolved_at = $5
			WHERE id = $1`, appeal.ID, appeal.Status, reviewer, nullString(note), now)
		if err != nil {
			return fmt.Errorf("update appeal: %w", err)
		}
		return setImageStatus(ctx, tx, img, imgStatus, &reviewer, note)
	})
	if err != nil {
		return nil, nil, err
	}
	return appeal, img, nil
}
