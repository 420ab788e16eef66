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

// --- Notifications ---

func (s *PostgresStore) CreateNotification(ctx context.Context, n *Notification) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, kind, title, body, batch_id, image_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		n.UserID, n.Kind, n.Title, nullString(n.Body), n.BatchID, n.ImageID,
	).Scan(&n.ID, &n.CreatedAt)
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]*Notification, error) {
	query := `SELECT id, user_id, kind, title, body, batch_id, image_id, read, created_at
		FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND NOT read`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, userID, limitOrDefault(limit, 50))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var body sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &body, &n.BatchID, &n.ImageID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Body = body.String
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET read = true WHERE user_id = $1 AND NOT read`, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT read`, userID).Scan(&n)
	return n, err
}

// --- Community Q&A ---

const questionColumns = `id, author_id, title, body, crop, answer_count, accepted_answer_id, created_at`

func scanQuestion(row pgx.Row) (*Question, error) {
	q := &Question{}
	var crop sql.NullString
	if err := row.Scan(&q.ID, &q.AuthorID, &q.Title, &q.Body, &crop, &q.AnswerCount, &q.AcceptedAnswerID, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.Crop = crop.String
	return q, nil
}

const answerColumns = `id, question_id, author_id, body, upvotes, accepted, created_at`

func scanAnswer(row pgx.Row) (*Answer, error) {
	a := &Answer{}
	err := row.Scan(&a.ID, &a.QuestionID, &a.AuthorID, &a.Body, &a.Upvotes, &a.Accepted, &a.CreatedAt)
	return a, err
}

func (s *PostgresStore) CreateQuestion(ctx context.Context, q *Question) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO questions (author_id, title, body, crop)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		q.AuthorID, q.Title, q.Body, nullString(q.Crop),
	).Scan(&q.ID, &q.CreatedAt)
}

func (s *PostgresStore) ListQuestions(ctx context.Context, filter QuestionFilter) ([]*Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions WHERE 1=1`
	args := []any{}
	n := 0
	if filter.Crop != "" {
		n++
		query += fmt.Sprintf(" AND lower(crop) = lower($%d)", n)
		args = append(args, filter.Crop)
	}
	if filter.AuthorID != nil {
		n++
		query += fmt.Sprintf(" AND author_id = $%d", n)
		args = append(args, *filter.AuthorID)
	}
	n++
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, limitOrDefault(filter.Limit, 50))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id uuid.UUID) (*Question, error) {
	q, err := scanQuestion(s.pool.QueryRow(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+answerColumns+` FROM answers WHERE question_id = $1
		ORDER BY accepted DESC, upvotes DESC, created_at ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		q.Answers = append(q.Answers, a)
	}
	return q, rows.Err()
}

func (s *PostgresStore) CreateAnswer(ctx context.Context, a *Answer) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE questions SET answer_count = answer_count + 1 WHERE id = $1`, a.QuestionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return tx.QueryRow(ctx, `
			INSERT INTO answers (question_id, author_id, body)
			VALUES ($1, $2, $3)
			RETURNING id, upvotes, accepted, created_at`,
			a.QuestionID, a.AuthorID, a.Body,
		).Scan(&a.ID, &a.Upvotes, &a.Accepted, &a.CreatedAt)
	})
}

// AcceptAnswer marks an answer accepted. Only the question's author may do so,
// and accepting a different answer clears the previous one.
func (s *PostgresStore) AcceptAnswer(ctx context.Context, answerID, userID uuid.UUID) (*Answer, error) {
	var answer *Answer
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		answer, err = scanAnswer(tx.QueryRow(ctx, `SELECT `+answerColumns+` FROM answers WHERE id = $1`, answerID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		question, err := scanQuestion(tx.QueryRow(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1 FOR UPDATE`, answer.QuestionID))
		if err != nil {
			return err
		}
		if question.AuthorID != userID {
			return ErrForbidden
		}

		if _, err := tx.Exec(ctx, `UPDATE answers SET accepted = (id = $2) WHERE question_id = $1`, question.ID, answer.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE questions SET accepted_answer_id = $2 WHERE id = $1`, question.ID, answer.ID); err != nil {
			return err
		}
		answer.Accepted = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return answer, nil
}

// UpvoteAnswer records one vote per user; repeated votes are ErrConflict.
func (s *PostgresStore) UpvoteAnswer(ctx context.Context, answerID, userID uuid.UUID) (*Answer, error) {
	var answer *Answer
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM answers WHERE id = $1)`, answerID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("lookup answer: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `INSERT INTO answer_votes (answer_id, user_id) VALUES ($1, $2)`, answerID, userID)
		if isUniqueViolation(err) {
			return fmt.Errorf("already voted: %w", ErrConflict)
		}
		if err != nil {
			return err
		}
		answer, err = scanAnswer(tx.QueryRow(ctx, `
			UPDATE answers SET upvotes = upvotes + 1 WHERE id = $1
			RETURNING `+answerColumns, answerID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return answer, nil
}

// --- Education ---

func (s *PostgresStore) UpsertProgress(ctx context.Context, userID uuid.UUID, moduleID string, percent int) (*EducationProgress, error) {
	var out *EducationProgress
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var existing *EducationProgress
		cur := &EducationProgress{}
		err := tx.QueryRow(ctx, `
			SELECT user_id, module_id, percent, completed_at, updated_at
			FROM education_progress WHERE user_id = $1 AND module_id = $2 FOR UPDATE`, userID, moduleID,
		).Scan(&cur.UserID, &cur.ModuleID, &cur.Percent, &cur.CompletedAt, &cur.UpdatedAt)
		switch {
		case err == nil:
			existing = cur
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		out = MergeProgress(existing, percent, time.Now().UTC())
		out.UserID = userID
		out.ModuleID = moduleID
		_, err = tx.Exec(ctx, `
			INSERT INTO education_progress (user_id, module_id, percent, completed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, module_id) DO UPDATE SET
				percent = EXCLUDED.percent, completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at`,
			out.UserID, out.ModuleID, out.Percent, out.CompletedAt, out.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListProgress(ctx context.Context, userID uuid.UUID) ([]*EducationProgress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, module_id, percent, completed_at, updated_at
		FROM education_progress WHERE user_id = $1 ORDER BY module_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EducationProgress
	for rows.Next() {
		p := &EducationProgress{}
		if err := rows.Scan(&p.UserID, &p.ModuleID, &p.Percent, &p.CompletedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Market prices ---

const marketPriceColumns = `id, crop, variety, market, district, state, min_price, max_price, modal_price,
	unit, price_date, source, created_at`

func scanMarketPrice(row pgx.Row) (*MarketPrice, error) {
	p := &MarketPrice{}
	var variety, district, state, source sql.NullString
	if err := row.Scan(&p.ID, &p.Crop, &variety, &p.Market, &district, &state, &p.MinPrice, &p.MaxPrice, &p.ModalPrice,
		&p.Unit, &p.PriceDate, &source, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Variety = variety.String
	p.District = district.String
	p.State = state.String
	p.Source = source.String
	return p, nil
}

func scanMarketPrices(rows pgx.Rows) ([]*MarketPrice, error) {
	defer rows.Close()
	var out []*MarketPrice
	for rows.Next() {
		p, err := scanMarketPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateMarketPrices inserts the rows in one transaction.
func (s *PostgresStore) CreateMarketPrices(ctx context.Context, prices []*MarketPrice) error {
	if err := checkMarketPrices(prices); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for i, p := range prices {
			err := tx.QueryRow(ctx, `
				INSERT INTO market_prices (crop, variety, market, district, state, min_price, max_price, modal_price,
					unit, price_date, source)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				RETURNING id, created_at`,
				p.Crop, nullString(p.Variety), p.Market, nullString(p.District), nullString(p.State),
				p.MinPrice, p.MaxPrice, p.ModalPrice, p.Unit, p.PriceDate, nullString(p.Source),
			).Scan(&p.ID, &p.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert price row %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListMarketPrices(ctx context.Context, filter MarketPriceFilter) ([]*MarketPrice, error) {
	query := `SELECT ` + marketPriceColumns + ` FROM market_prices WHERE 1=1`
	args := []any{}
	n := 0
	if filter.Crop != "" {
		n++
		query += fmt.Sprintf(" AND lower(crop) = lower($%d)", n)
		args = append(args, filter.Crop)
	}
	if filter.Market != "" {
		n++
		query += fmt.Sprintf(" AND lower(market) = lower($%d)", n)
		args = append(args, filter.Market)
	}
	if filter.State != "" {
		n++
		query += fmt.Sprintf(" AND lower(state) = lower($%d)", n)
		args = append(args, filter.State)
	}
	if filter.Since != nil {
		n++
		query += fmt.Sprintf(" AND price_date >= $%d", n)
		args = append(args, *filter.Since)
	}
	n++
	query += fmt.Sprintf(" ORDER BY price_date DESC, crop ASC LIMIT $%d", n)
	args = append(args, limitOrDefault(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMarketPrices(rows)
}

// LatestPrices returns the most recent price per crop and market, optionally for one crop.
func (s *PostgresStore) LatestPrices(ctx context.Context, crop string) ([]*MarketPrice, error) {
	query := `SELECT DISTINCT ON (lower(crop), lower(market)) ` + marketPriceColumns + ` FROM market_prices`
	args := []any{}
	if crop != "" {
		query += ` WHERE lower(crop) = lower($1)`
		args = append(args, crop)
	}
	query += ` ORDER BY lower(crop), lower(market), price_date DESC, created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMarketPrices(rows)
}
