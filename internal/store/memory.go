package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and by `serve --memory`.
// A single mutex serializes every operation, which gives each call the same
// all-or-nothing behaviour as a Postgres transaction. Values are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.Mutex

	now func() time.Time

	users         map[uuid.UUID]User
	batches       map[uuid.UUID]Batch
	stages        map[uuid.UUID][]Stage
	images        map[uuid.UUID]StageImage
	imageOrder    []uuid.UUID
	validations   map[uuid.UUID][]AIValidation
	appeals       map[uuid.UUID]Appeal
	appealOrder   []uuid.UUID
	verified      map[uuid.UUID][]VerifiedStage
	certificates  map[uuid.UUID]Certificate
	notifications []Notification
	questions     map[uuid.UUID]Question
	answers       map[uuid.UUID]Answer
	votes         map[[2]uuid.UUID]struct{}
	progress      map[uuid.UUID]map[string]EducationProgress
	prices        []MarketPrice
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:          func() time.Time { return time.Now().UTC() },
		users:        map[uuid.UUID]User{},
		batches:      map[uuid.UUID]Batch{},
		stages:       map[uuid.UUID][]Stage{},
		images:       map[uuid.UUID]StageImage{},
		validations:  map[uuid.UUID][]AIValidation{},
		appeals:      map[uuid.UUID]Appeal{},
		verified:     map[uuid.UUID][]VerifiedStage{},
		certificates: map[uuid.UUID]Certificate{},
		questions:    map[uuid.UUID]Question{},
		answers:      map[uuid.UUID]Answer{},
		votes:        map[[2]uuid.UUID]struct{}{},
		progress:     map[uuid.UUID]map[string]EducationProgress{},
	}
}

// SetClock overrides the time source. Tests use it to make timestamps deterministic.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Users ---

func (m *MemoryStore) UpsertUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.users[u.ID]; ok {
		if u.Email == "" {
			u.Email = existing.Email
		}
		u.Role = existing.Role
		u.CreatedAt = existing.CreatedAt
	} else {
		if u.Role == "" {
			u.Role = RoleFarmer
		}
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryStore) SetUserRole(_ context.Context, id uuid.UUID, role Role) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = m.now()
	m.users[id] = u
	return &u, nil
}

func (m *MemoryStore) ListUsers(_ context.Context, role *Role) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*User
	for _, u := range m.users {
		if role != nil && u.Role != *role {
			continue
		}
		u := u
		out = append(out, &u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Batches and stages ---

func (m *MemoryStore) CreateBatch(_ context.Context, b *Batch) ([]*Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b.ID = uuid.New()
	b.Status = BatchStatusActive
	b.CurrentStage = 1
	b.CreatedAt = now
	b.UpdatedAt = now
	m.batches[b.ID] = *b

	stages := NewStages(b.ID)
	rows := make([]Stage, len(stages))
	for i, st := range stages {
		st.ID = uuid.New()
		st.UpdatedAt = now
		rows[i] = *st
	}
	m.stages[b.ID] = rows
	return stages, nil
}

func (m *MemoryStore) GetBatch(_ context.Context, id uuid.UUID) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryStore) ListBatches(_ context.Context, filter BatchFilter) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Batch
	for _, b := range m.batches {
		if filter.FarmerID != nil && b.FarmerID != *filter.FarmerID {
			continue
		}
		if filter.Status != nil && b.Status != *filter.Status {
			continue
		}
		if filter.Crop != "" && !strings.EqualFold(b.CropName, filter.Crop) {
			continue
		}
		b := b
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Offset, limitOrDefault(filter.Limit, 100)), nil
}

func (m *MemoryStore) GetStages(_ context.Context, batchID uuid.UUID) ([]*Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stagesLocked(batchID), nil
}

func (m *MemoryStore) stagesLocked(batchID uuid.UUID) []*Stage {
	var out []*Stage
	for _, st := range m.stages[batchID] {
		st := st
		out = append(out, &st)
	}
	return out
}

func (m *MemoryStore) GetBatchDetail(_ context.Context, id uuid.UUID) (*BatchDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, nil
	}
	detail := &BatchDetail{Batch: &b, Stages: m.stagesLocked(id)}
	for _, imgID := range m.imageOrder {
		if img := m.images[imgID]; img.BatchID == id {
			detail.Images = append(detail.Images, &img)
		}
	}
	for _, vs := range m.verified[id] {
		vs := vs
		vs.ImageHashes = append([]string{}, vs.ImageHashes...)
		detail.Verified = append(detail.Verified, &vs)
	}
	if c, ok := m.certificates[id]; ok {
		detail.Certificate = &c
	}
	return detail, nil
}

func (m *MemoryStore) CompleteStage(_ context.Context, batchID uuid.UUID, number, minVerified int) (*StageCompletion, error) {
	if !ValidStage(number) {
		return nil, fmt.Errorf("stage %d: %w", number, ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	stages := m.stages[batchID]
	stage := stages[number-1]
	switch stage.Status {
	case StageStatusLocked:
		return nil, ErrStageLocked
	case StageStatusCompleted:
		return nil, ErrStageCompleted
	}

	hashes := []string{}
	for _, img := range m.images {
		if img.BatchID == batchID && img.StageNumber == number && img.Status == ImageStatusApproved {
			hashes = append(hashes, strings.ToLower(img.SHA256))
		}
	}
	sort.Strings(hashes)
	approved := len(hashes)
	if approved < minVerified {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientImages, approved, minVerified)
	}

	now := m.now()
	stage.Status = StageStatusCompleted
	stage.VerifiedImages = approved
	stage.CompletedAt = &now
	stage.UpdatedAt = now
	stages[number-1] = stage

	vs := VerifiedStage{ID: uuid.New(), BatchID: batchID, StageNumber: number, VerifiedImages: approved, ImageHashes: hashes, VerifiedAt: now}
	m.verified[batchID] = append(m.verified[batchID], vs)
	vs.ImageHashes = append([]string(nil), hashes...)

	result := &StageCompletion{Stage: &stage, Verified: &vs}
	if number < StageCount {
		next := stages[number]
		next.Status = StageStatusOpen
		next.UpdatedAt = now
		stages[number] = next
		result.Next = &next
		batch.CurrentStage = number + 1
	} else {
		batch.Status = BatchStatusVerified
		batch.VerifiedAt = &now
		result.BatchVerified = true
	}
	batch.UpdatedAt = now
	m.batches[batchID] = batch
	result.Batch = &batch
	return result, nil
}

// --- Images ---

func (m *MemoryStore) CreateImage(_ context.Context, img *StageImage) error {
	if !ValidStage(img.StageNumber) {
		return fmt.Errorf("stage %d: %w", img.StageNumber, ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[img.BatchID]
	if !ok {
		return ErrNotFound
	}
	if batch.Status != BatchStatusActive {
		return fmt.Errorf("batch is %s: %w", batch.Status, ErrInvalidState)
	}
	switch m.stages[img.BatchID][img.StageNumber-1].Status {
	case StageStatusLocked:
		return ErrStageLocked
	case StageStatusCompleted:
		return ErrStageCompleted
	}
	for _, other := range m.images {
		if other.BatchID == img.BatchID && other.SHA256 == img.SHA256 {
			return fmt.Errorf("image already uploaded for this batch: %w", ErrConflict)
		}
	}

	now := m.now()
	img.ID = uuid.New()
	img.Status = ImageStatusPending
	img.CreatedAt = now
	img.UpdatedAt = now
	m.images[img.ID] = *img
	m.imageOrder = append(m.imageOrder, img.ID)
	return nil
}

func (m *MemoryStore) GetImage(_ context.Context, id uuid.UUID) (*StageImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return nil, nil
	}
	return &img, nil
}

func (m *MemoryStore) ListImages(_ context.Context, filter ImageFilter) ([]*StageImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := limitOrDefault(filter.Limit, 100)
	var out []*StageImage
	for _, id := range m.imageOrder {
		img := m.images[id]
		if filter.Status != nil && img.Status != *filter.Status {
			continue
		}
		if filter.BatchID != nil && img.BatchID != *filter.BatchID {
			continue
		}
		if filter.StageNumber > 0 && img.StageNumber != filter.StageNumber {
			continue
		}
		out = append(out, &img)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ClaimPendingImages(_ context.Context, limit int, staleAfter time.Duration) ([]*StageImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	staleBefore := now.Add(-staleAfter)
	limit = limitOrDefault(limit, 20)
	var out []*StageImage
	for _, id := range m.imageOrder {
		img := m.images[id]
		claimable := img.Status == ImageStatusPending ||
			(img.Status == ImageStatusScreening && img.UpdatedAt.Before(staleBefore))
		if !claimable {
			continue
		}
		img.Status = ImageStatusScreening
		img.ScreeningAttempts++
		img.UpdatedAt = now
		m.images[id] = img
		out = append(out, &img)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ReleaseImage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img, ok := m.images[id]; ok && img.Status == ImageStatusScreening {
		img.Status = ImageStatusPending
		img.UpdatedAt = m.now()
		m.images[id] = img
	}
	return nil
}

func (m *MemoryStore) RecordValidation(_ context.Context, v *AIValidation) (*StageImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[v.ImageID]
	if !ok {
		return nil, ErrNotFound
	}
	if img.Status != ImageStatusScreening && img.Status != ImageStatusPending {
		return nil, fmt.Errorf("image is %s: %w", img.Status, ErrInvalidState)
	}
	v.ID = uuid.New()
	v.CreatedAt = m.now()
	m.validations[v.ImageID] = append(m.validations[v.ImageID], *v)

	m.setImageStatusLocked(&img, v.Verdict.ImageStatus(), nil, "")
	return &img, nil
}

func (m *MemoryStore) setImageStatusLocked(img *StageImage, status ImageStatus, reviewer *uuid.UUID, note string) {
	now := m.now()
	img.Status = status
	img.UpdatedAt = now
	if reviewer != nil {
		r := *reviewer
		img.ReviewedBy = &r
	}
	if note != "" {
		img.ReviewNote = note
	}
	m.images[img.ID] = *img

	stages := m.stages[img.BatchID]
	if st := stages[img.StageNumber-1]; status == ImageStatusApproved && st.Status != StageStatusCompleted {
		st.VerifiedImages++
		st.UpdatedAt = now
		stages[img.StageNumber-1] = st
	}
}

func (m *MemoryStore) GetValidations(_ context.Context, imageID uuid.UUID) ([]*AIValidation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AIValidation
	for _, v := range m.validations[imageID] {
		v := v
		out = append(out, &v)
	}
	return out, nil
}

func (m *MemoryStore) ReviewImage(_ context.Context, id, reviewer uuid.UUID, approve bool, note string) (*StageImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	if img.Status != ImageStatusFlagged {
		return nil, fmt.Errorf("image is %s: %w", img.Status, ErrInvalidState)
	}
	status := ImageStatusRejected
	if approve {
		status = ImageStatusApproved
	}
	m.setImageStatusLocked(&img, status, &reviewer, note)
	return &img, nil
}

// --- Appeals ---

func (m *MemoryStore) CreateAppeal(_ context.Context, a *Appeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[a.ImageID]
	if !ok {
		return ErrNotFound
	}
	if img.Status != ImageStatusRejected {
		return fmt.Errorf("only rejected images can be appealed, image is %s: %w", img.Status, ErrInvalidState)
	}
	for _, existing := range m.appeals {
		if existing.ImageID == a.ImageID {
			return fmt.Errorf("image already appealed: %w", ErrConflict)
		}
	}

	now := m.now()
	a.ID = uuid.New()
	a.BatchID = img.BatchID
	a.Status = AppealStatusOpen
	a.CreatedAt = now
	m.appeals[a.ID] = *a
	m.appealOrder = append(m.appealOrder, a.ID)

	img.Status = ImageStatusAppealed
	img.UpdatedAt = now
	m.images[img.ID] = img
	return nil
}

func (m *MemoryStore) GetAppeal(_ context.Context, id uuid.UUID) (*Appeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appeals[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) ListAppeals(_ context.Context, filter AppealFilter) ([]*Appeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := limitOrDefault(filter.Limit, 100)
	var out []*Appeal
	for _, id := range m.appealOrder {
		a := m.appeals[id]
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		out = append(out, &a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ResolveAppeal(_ context.Context, id, reviewer uuid.UUID, uphold bool, note string) (*Appeal, *StageImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appeal, ok := m.appeals[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if appeal.Status != AppealStatusOpen {
		return nil, nil, fmt.Errorf("appeal is %s: %w", appeal.Status, ErrInvalidState)
	}
	img := m.images[appeal.ImageID]
	if img.Status != ImageStatusAppealed {
		return nil, nil, fmt.Errorf("image is %s: %w", img.Status, ErrInvalidState)
	}

	appeal.Status = AppealStatusDenied
	imgStatus := ImageStatusRejected
	if uphold {
		appeal.Status = AppealStatusUpheld
		imgStatus = ImageStatusApproved
	}
	now := m.now()
	appeal.ResolvedBy = &reviewer
	appeal.ResolutionNote = note
	appeal.ResolvedAt = &now
	m.appeals[id] = appeal

	m.setImageStatusLocked(&img, imgStatus, &reviewer, note)
	return &appeal, &img, nil
}

// --- Certificates ---

func (m *MemoryStore) IssueCertificate(_ context.Context, c *Certificate) (*Certificate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[c.BatchID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if existing, ok := m.certificates[c.BatchID]; ok {
		return &existing, false, nil
	}
	if batch.Status != BatchStatusVerified {
		return nil, false, fmt.Errorf("batch is %s: %w", batch.Status, ErrInvalidState)
	}
	for _, other := range m.certificates {
		if other.Code == c.Code {
			return nil, false, fmt.Errorf("certificate code collision: %w", ErrConflict)
		}
	}

	now := m.now()
	c.ID = uuid.New()
	c.IssuedAt = now
	m.certificates[c.BatchID] = *c

	batch.Status = BatchStatusCertified
	batch.UpdatedAt = now
	m.batches[batch.ID] = batch

	out := *c
	return &out, true, nil
}

func (m *MemoryStore) GetCertificateByCode(_ context.Context, code string) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certificates {
		if c.Code == code {
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetCertificateForBatch(_ context.Context, batchID uuid.UUID) (*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certificates[batchID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) ClaimAnchorDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Certificate
	for _, c := range m.certificates {
		if c.AnchorStatus != AnchorStatusPending {
			continue
		}
		if c.NextAnchorAt != nil && c.NextAnchorAt.After(now) {
			continue
		}
		due = append(due, c)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAnchorAt == nil {
			return due[j].NextAnchorAt != nil
		}
		return due[j].NextAnchorAt != nil && due[i].NextAnchorAt.Before(*due[j].NextAnchorAt)
	})

	limit = limitOrDefault(limit, 10)
	var out []*Certificate
	for _, c := range due {
		if len(out) == limit {
			break
		}
		next := now.Add(lease)
		c.NextAnchorAt = &next
		m.certificates[c.BatchID] = c
		c := c
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) RecordAnchorResult(_ context.Context, c *Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.certificates[c.BatchID]
	if !ok || existing.ID != c.ID {
		return ErrNotFound
	}
	existing.AnchorStatus = c.AnchorStatus
	existing.AnchorAttempts = c.AnchorAttempts
	existing.NextAnchorAt = c.NextAnchorAt
	existing.TransactionID = c.TransactionID
	existing.Network = c.Network
	existing.AnchoredAt = c.AnchoredAt
	existing.LastError = c.LastError
	m.certificates[c.BatchID] = existing
	return nil
}

// --- Notifications ---

func (m *MemoryStore) CreateNotification(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = uuid.New()
	n.CreatedAt = m.now()
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = limitOrDefault(limit, 50)
	var out []*Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := m.notifications[i]
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, &n)
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, userID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		if m.notifications[i].ID == id && m.notifications[i].UserID == userID {
			m.notifications[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) MarkAllNotificationsRead(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for i := range m.notifications {
		if m.notifications[i].UserID == userID && !m.notifications[i].Read {
			m.notifications[i].Read = true
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) UnreadCount(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

// --- Community Q&A ---

func (m *MemoryStore) CreateQuestion(_ context.Context, q *Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.ID = uuid.New()
	q.CreatedAt = m.now()
	q.Answers = nil
	m.questions[q.ID] = *q
	return nil
}

func (m *MemoryStore) ListQuestions(_ context.Context, filter QuestionFilter) ([]*Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Question
	for _, q := range m.questions {
		if filter.Crop != "" && !strings.EqualFold(q.Crop, filter.Crop) {
			continue
		}
		if filter.AuthorID != nil && q.AuthorID != *filter.AuthorID {
			continue
		}
		q := q
		out = append(out, &q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, 0, limitOrDefault(filter.Limit, 50)), nil
}

func (m *MemoryStore) GetQuestion(_ context.Context, id uuid.UUID) (*Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return nil, nil
	}
	for _, a := range m.answers {
		if a.QuestionID == id {
			a := a
			q.Answers = append(q.Answers, &a)
		}
	}
	sort.Slice(q.Answers, func(i, j int) bool {
		a, b := q.Answers[i], q.Answers[j]
		if a.Accepted != b.Accepted {
			return a.Accepted
		}
		if a.Upvotes != b.Upvotes {
			return a.Upvotes > b.Upvotes
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return &q, nil
}

func (m *MemoryStore) CreateAnswer(_ context.Context, a *Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[a.QuestionID]
	if !ok {
		return ErrNotFound
	}
	q.AnswerCount++
	m.questions[q.ID] = q

	a.ID = uuid.New()
	a.Upvotes = 0
	a.Accepted = false
	a.CreatedAt = m.now()
	m.answers[a.ID] = *a
	return nil
}

func (m *MemoryStore) AcceptAnswer(_ context.Context, answerID, userID uuid.UUID) (*Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	answer, ok := m.answers[answerID]
	if !ok {
		return nil, ErrNotFound
	}
	q := m.questions[answer.QuestionID]
	if q.AuthorID != userID {
		return nil, ErrForbidden
	}
	for id, other := range m.answers {
		if other.QuestionID == q.ID {
			other.Accepted = id == answerID
			m.answers[id] = other
		}
	}
	q.AcceptedAnswerID = &answerID
	m.questions[q.ID] = q

	answer.Accepted = true
	return &answer, nil
}

func (m *MemoryStore) UpvoteAnswer(_ context.Context, answerID, userID uuid.UUID) (*Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	answer, ok := m.answers[answerID]
	if !ok {
		return nil, ErrNotFound
	}
	key := [2]uuid.UUID{answerID, userID}
	if _, voted := m.votes[key]; voted {
		return nil, fmt.Errorf("already voted: %w", ErrConflict)
	}
	m.votes[key] = struct{}{}
	answer.Upvotes++
	m.answers[answerID] = answer
	return &answer, nil
}

// --- Education ---

func (m *MemoryStore) UpsertProgress(_ context.Context, userID uuid.UUID, moduleID string, percent int) (*EducationProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	modules, ok := m.progress[userID]
	if !ok {
		modules = map[string]EducationProgress{}
		m.progress[userID] = modules
	}
	var existing *EducationProgress
	if p, ok := modules[moduleID]; ok {
		existing = &p
	}
	out := MergeProgress(existing, percent, m.now())
	out.UserID = userID
	out.ModuleID = moduleID
	modules[moduleID] = *out
	return out, nil
}

func (m *MemoryStore) ListProgress(_ context.Context, userID uuid.UUID) ([]*EducationProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*EducationProgress
	for _, p := range m.progress[userID] {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out, nil
}

// --- Market prices ---

func (m *MemoryStore) CreateMarketPrices(_ context.Context, prices []*MarketPrice) error {
	if err := checkMarketPrices(prices); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, p := range prices {
		p.ID = uuid.New()
		p.CreatedAt = now
		m.prices = append(m.prices, *p)
	}
	return nil
}

func (m *MemoryStore) ListMarketPrices(_ context.Context, filter MarketPriceFilter) ([]*MarketPrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MarketPrice
	for _, p := range m.prices {
		if filter.Crop != "" && !strings.EqualFold(p.Crop, filter.Crop) {
			continue
		}
		if filter.Market != "" && !strings.EqualFold(p.Market, filter.Market) {
			continue
		}
		if filter.State != "" && !strings.EqualFold(p.State, filter.State) {
			continue
		}
		if filter.Since != nil && p.PriceDate.Before(*filter.Since) {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PriceDate.Equal(out[j].PriceDate) {
			return out[i].PriceDate.After(out[j].PriceDate)
		}
		return out[i].Crop < out[j].Crop
	})
	return page(out, 0, limitOrDefault(filter.Limit, 100)), nil
}

func (m *MemoryStore) LatestPrices(_ context.Context, crop string) ([]*MarketPrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := map[string]MarketPrice{}
	for _, p := range m.prices {
		if crop != "" && !strings.EqualFold(p.Crop, crop) {
			continue
		}
		key := strings.ToLower(p.Crop) + "\x00" + strings.ToLower(p.Market)
		cur, ok := latest[key]
		if !ok || p.PriceDate.After(cur.PriceDate) ||
			(p.PriceDate.Equal(cur.PriceDate) && !p.CreatedAt.Before(cur.CreatedAt)) {
			latest[key] = p
		}
	}
	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*MarketPrice, 0, len(keys))
	for _, k := range keys {
		p := latest[k]
		out = append(out, &p)
	}
	return out, nil
}

// --- Stats ---

func (m *MemoryStore) GetStats(context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{
		Batches: make(map[BatchStatus]int),
		Images:  make(map[ImageStatus]int),
	}
	for _, b := range m.batches {
		stats.Batches[b.Status]++
	}
	for _, img := range m.images {
		stats.Images[img.Status]++
	}
	for _, a := range m.appeals {
		if a.Status == AppealStatusOpen {
			stats.OpenAppeals++
		}
	}
	for _, c := range m.certificates {
		stats.CertificatesIssued++
		if c.AnchorStatus == AnchorStatusAnchored {
			stats.CertificatesAnchored++
		}
	}
	for _, u := range m.users {
		if u.Role == RoleFarmer {
			stats.Farmers++
		}
	}
	return stats, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
