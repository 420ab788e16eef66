package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInvalidState       = errors.New("invalid state")
	ErrStageLocked        = errors.New("stage is locked until the previous stage is complete")
	ErrStageCompleted     = errors.New("stage already completed")
	ErrInsufficientImages = errors.New("not enough verified images")
)

// --- Users ---

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleFarmer || r == RoleAdmin
}

type User struct {
	ID                uuid.UUID `json:"id"`
	Email             string    `json:"email,omitempty"`
	FullName          string    `json:"full_name"`
	Phone             string    `json:"phone,omitempty"`
	Role              Role      `json:"role"`
	Village           string    `json:"village,omitempty"`
	District          string    `json:"district,omitempty"`
	State             string    `json:"state,omitempty"`
	PreferredLanguage string    `json:"preferred_language,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// --- Batches and stages ---

type BatchStatus string

const (
	BatchStatusActive    BatchStatus = "active"
	BatchStatusVerified  BatchStatus = "verified"
	BatchStatusCertified BatchStatus = "certified"
)

type Batch struct {
	ID              uuid.UUID   `json:"id"`
	FarmerID        uuid.UUID   `json:"farmer_id"`
	CropName        string      `json:"crop_name"`
	Variety         string      `json:"variety,omitempty"`
	FarmLocation    string      `json:"farm_location,omitempty"`
	AreaAcres       *float64    `json:"area_acres,omitempty"`
	SowingDate      *time.Time  `json:"sowing_date,omitempty"`
	ExpectedHarvest *time.Time  `json:"expected_harvest,omitempty"`
	Status          BatchStatus `json:"status"`
	CurrentStage    int         `json:"current_stage"`
	Notes           string      `json:"notes,omitempty"`
	VerifiedAt      *time.Time  `json:"verified_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type BatchFilter struct {
	FarmerID *uuid.UUID
	Status   *BatchStatus
	Crop     string
	Limit    int
	Offset   int
}

// StageNames lists the growth stages every batch passes through, in order.
// Stage numbers are 1-based indexes into this slice.
var StageNames = []string{
	"land_preparation",
	"sowing",
	"germination",
	"vegetative_growth",
	"flowering",
	"maturity",
	"harvest",
}

const StageCount = 7

func StageName(number int) string {
	if number < 1 || number > len(StageNames) {
		return ""
	}
	return StageNames[number-1]
}

func ValidStage(number int) bool {
	return number >= 1 && number <= StageCount
}

type StageStatus string

const (
	StageStatusLocked    StageStatus = "locked"
	StageStatusOpen      StageStatus = "open"
	StageStatusCompleted StageStatus = "completed"
)

type Stage struct {
	ID             uuid.UUID   `json:"id"`
	BatchID        uuid.UUID   `json:"batch_id"`
	Number         int         `json:"number"`
	Name           string      `json:"name"`
	Status         StageStatus `json:"status"`
	VerifiedImages int         `json:"verified_images"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewStages builds the stage rows for a fresh batch: stage 1 open, the rest locked.
func NewStages(batchID uuid.UUID) []*Stage {
	stages := make([]*Stage, 0, StageCount)
	for i, name := range StageNames {
		status := StageStatusLocked
		if i == 0 {
			status = StageStatusOpen
		}
		stages = append(stages, &Stage{
			BatchID: batchID,
			Number:  i + 1,
			Name:    name,
			Status:  status,
		})
	}
	return stages
}

// VerifiedStage is the evidence frozen when a stage completes. Images
// approved later never change it.
type VerifiedStage struct {
	ID             uuid.UUID `json:"id"`
	BatchID        uuid.UUID `json:"batch_id"`
	StageNumber    int       `json:"stage_number"`
	VerifiedImages int       `json:"verified_images"`
	ImageHashes    []string  `json:"image_hashes"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// StageCompletion is the outcome of a successful CompleteStage call.
type StageCompletion struct {
	Batch         *Batch         `json:"batch"`
	Stage         *Stage         `json:"stage"`
	Next          *Stage         `json:"next,omitempty"`
	Verified      *VerifiedStage `json:"verified"`
	BatchVerified bool           `json:"batch_verified"`
}

// --- Images and screening ---

type ImageStatus string

const (
	ImageStatusPending   ImageStatus = "pending"
	ImageStatusScreening ImageStatus = "screening"
	ImageStatusApproved  ImageStatus = "approved"
	ImageStatusFlagged   ImageStatus = "flagged"
	ImageStatusRejected  ImageStatus = "rejected"
	ImageStatusAppealed  ImageStatus = "appealed"
)

type StageImage struct {
	ID                uuid.UUID   `json:"id"`
	BatchID           uuid.UUID   `json:"batch_id"`
	StageNumber       int         `json:"stage_number"`
	UploadedBy        uuid.UUID   `json:"uploaded_by"`
	ImageURL          string      `json:"image_url"`
	SHA256            string      `json:"sha256"`
	Caption           string      `json:"caption,omitempty"`
	Latitude          *float64    `json:"latitude,omitempty"`
	Longitude         *float64    `json:"longitude,omitempty"`
	CapturedAt        *time.Time  `json:"captured_at,omitempty"`
	Status            ImageStatus `json:"status"`
	ScreeningAttempts int         `json:"screening_attempts"`
	ReviewedBy        *uuid.UUID  `json:"reviewed_by,omitempty"`
	ReviewNote        string      `json:"review_note,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

type ImageFilter struct {
	Status      *ImageStatus
	BatchID     *uuid.UUID
	StageNumber int
	Limit       int
}

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictFlagged  Verdict = "flagged"
	VerdictRejected Verdict = "rejected"
)

// ImageStatus maps a screening verdict onto the resulting image status.
func (v Verdict) ImageStatus() ImageStatus {
	switch v {
	case VerdictApproved:
		return ImageStatusApproved
	case VerdictRejected:
		return ImageStatusRejected
	default:
		return ImageStatusFlagged
	}
}

type AIValidation struct {
	ID                  uuid.UUID `json:"id"`
	ImageID             uuid.UUID `json:"image_id"`
	AuthenticityScore   float64   `json:"authenticity_score"`
	DeepfakeProbability float64   `json:"deepfake_probability"`
	TamperScore         float64   `json:"tamper_score"`
	CombinedScore       float64   `json:"combined_score"`
	Verdict             Verdict   `json:"verdict"`
	ModelVersion        string    `json:"model_version,omitempty"`
	Labels              []string  `json:"labels,omitempty"`
	Error               string    `json:"error,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// --- Appeals ---

type AppealStatus string

const (
	AppealStatusOpen   AppealStatus = "open"
	AppealStatusUpheld AppealStatus = "upheld"
	AppealStatusDenied AppealStatus = "denied"
)

type Appeal struct {
	ID             uuid.UUID    `json:"id"`
	ImageID        uuid.UUID    `json:"image_id"`
	BatchID        uuid.UUID    `json:"batch_id"`
	FarmerID       uuid.UUID    `json:"farmer_id"`
	Reason         string       `json:"reason"`
	Status         AppealStatus `json:"status"`
	ResolvedBy     *uuid.UUID   `json:"resolved_by,omitempty"`
	ResolutionNote string       `json:"resolution_note,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

type AppealFilter struct {
	Status *AppealStatus
	Limit  int
}

// --- Certificates ---

type AnchorStatus string

const (
	AnchorStatusDisabled AnchorStatus = "disabled"
	AnchorStatusPending  AnchorStatus = "pending"
	AnchorStatusAnchored AnchorStatus = "anchored"
	AnchorStatusFailed   AnchorStatus = "failed"
)

type Certificate struct {
	ID             uuid.UUID    `json:"id"`
	BatchID        uuid.UUID    `json:"batch_id"`
	Code           string       `json:"code"`
	PayloadHash    string       `json:"payload_hash"`
	IssuedAt       time.Time    `json:"issued_at"`
	AnchorStatus   AnchorStatus `json:"anchor_status"`
	AnchorAttempts int          `json:"anchor_attempts"`
	NextAnchorAt   *time.Time   `json:"next_anchor_at,omitempty"`
	TransactionID  string       `json:"transaction_id,omitempty"`
	Network        string       `json:"network,omitempty"`
	AnchoredAt     *time.Time   `json:"anchored_at,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
}

// BatchDetail is a batch with everything needed to render its trace.
type BatchDetail struct {
	Batch       *Batch           `json:"batch"`
	Stages      []*Stage         `json:"stages"`
	Images      []*StageImage    `json:"images"`
	Verified    []*VerifiedStage `json:"verified_stages"`
	Certificate *Certificate     `json:"certificate,omitempty"`
}

// --- Notifications ---

type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Body      string     `json:"body,omitempty"`
	BatchID   *uuid.UUID `json:"batch_id,omitempty"`
	ImageID   *uuid.UUID `json:"image_id,omitempty"`
	Read      bool       `json:"read"`
	CreatedAt time.Time  `json:"created_at"`
}

// --- Community Q&A ---

type Question struct {
	ID               uuid.UUID  `json:"id"`
	AuthorID         uuid.UUID  `json:"author_id"`
	Title            string     `json:"title"`
	Body             string     `json:"body"`
	Crop             string     `json:"crop,omitempty"`
	AnswerCount      int        `json:"answer_count"`
	AcceptedAnswerID *uuid.UUID `json:"accepted_answer_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	Answers          []*Answer  `json:"answers,omitempty"`
}

type QuestionFilter struct {
	Crop     string
	AuthorID *uuid.UUID
	Limit    int
}

type Answer struct {
	ID         uuid.UUID `json:"id"`
	QuestionID uuid.UUID `json:"question_id"`
	AuthorID   uuid.UUID `json:"author_id"`
	Body       string    `json:"body"`
	Upvotes    int       `json:"upvotes"`
	Accepted   bool      `json:"accepted"`
	CreatedAt  time.Time `json:"created_at"`
}

// --- Education ---

type EducationProgress struct {
	UserID      uuid.UUID  `json:"user_id"`
	ModuleID    string     `json:"module_id"`
	Percent     int        `json:"percent"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MergeProgress applies an update to existing progress. Percent is clamped to
// 0..100 and never decreases; completion is stamped the first time it hits 100.
func MergeProgress(existing *EducationProgress, percent int, now time.Time) *EducationProgress {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	out := &EducationProgress{Percent: percent, UpdatedAt: now}
	if existing != nil {
		out.UserID = existing.UserID
		out.ModuleID = existing.ModuleID
		out.CompletedAt = existing.CompletedAt
		if existing.Percent > out.Percent {
			out.Percent = existing.Percent
		}
	}
	if out.Percent == 100 && out.CompletedAt == nil {
		t := now
		out.CompletedAt = &t
	}
	return out
}

// --- Market prices ---

type MarketPrice struct {
	ID         uuid.UUID `json:"id"`
	Crop       string    `json:"crop"`
	Variety    string    `json:"variety,omitempty"`
	Market     string    `json:"market"`
	District   string    `json:"district,omitempty"`
	State      string    `json:"state,omitempty"`
	MinPrice   float64   `json:"min_price"`
	MaxPrice   float64   `json:"max_price"`
	ModalPrice float64   `json:"modal_price"`
	Unit       string    `json:"unit"`
	PriceDate  time.Time `json:"price_date"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// checkMarketPrices rejects a batch if any row lacks its keys or has
// inconsistent prices. It also fills in the default unit.
func checkMarketPrices(prices []*MarketPrice) error {
	for i, p := range prices {
		switch {
		case p.Crop == "" || p.Market == "":
			return fmt.Errorf("row %d: crop and market are required: %w", i, ErrInvalidState)
		case p.PriceDate.IsZero():
			return fmt.Errorf("row %d: price date is required: %w", i, ErrInvalidState)
		case p.MinPrice < 0 || p.MinPrice > p.ModalPrice || p.ModalPrice > p.MaxPrice:
			return fmt.Errorf("row %d: prices must satisfy 0 <= min <= modal <= max: %w", i, ErrInvalidState)
		}
		if p.Unit == "" {
			p.Unit = "quintal"
		}
	}
	return nil
}

type MarketPriceFilter struct {
	Crop   string
	Market string
	State  string
	Since  *time.Time
	Limit  int
}

// --- Stats ---

type Stats struct {
	Batches              map[BatchStatus]int `json:"batches"`
	Images               map[ImageStatus]int `json:"images"`
	OpenAppeals          int                 `json:"open_appeals"`
	CertificatesIssued   int                 `json:"certificates_issued"`
	CertificatesAnchored int                 `json:"certificates_anchored"`
	Farmers              int                 `json:"farmers"`
}

// --- Interfaces ---

type UserStore interface {
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	ListUsers(ctx context.Context, role *Role) ([]*User, error)
	SetUserRole(ctx context.Context, id uuid.UUID, role Role) (*User, error)
}

type BatchStore interface {
	CreateBatch(ctx context.Context, b *Batch) ([]*Stage, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*Batch, error)
	GetStages(ctx context.Context, batchID uuid.UUID) ([]*Stage, error)
	GetBatchDetail(ctx context.Context, id uuid.UUID) (*BatchDetail, error)
	CompleteStage(ctx context.Context, batchID uuid.UUID, number, minVerified int) (*StageCompletion, error)
}

type ImageStore interface {
	CreateImage(ctx context.Context, img *StageImage) error
	GetImage(ctx context.Context, id uuid.UUID) (*StageImage, error)
	ListImages(ctx context.Context, filter ImageFilter) ([]*StageImage, error)
	ClaimPendingImages(ctx context.Context, limit int, staleAfter time.Duration) ([]*StageImage, error)
	ReleaseImage(ctx context.Context, id uuid.UUID) error
	RecordValidation(ctx context.Context, v *AIValidation) (*StageImage, error)
	GetValidations(ctx context.Context, imageID uuid.UUID) ([]*AIValidation, error)
	ReviewImage(ctx context.Context, id, reviewer uuid.UUID, approve bool, note string) (*StageImage, error)
}

type AppealStore interface {
	CreateAppeal(ctx context.Context, a *Appeal) error
	GetAppeal(ctx context.Context, id uuid.UUID) (*Appeal, error)
	ListAppeals(ctx context.Context, filter AppealFilter) ([]*Appeal, error)
	ResolveAppeal(ctx context.Context, id, reviewer uuid.UUID, uphold bool, note string) (*Appeal, *StageImage, error)
}

type CertificateStore interface {
	// IssueCertificate stores c for its batch unless the batch already has a
	// certificate, in which case the existing one is returned with created=false.
	IssueCertificate(ctx context.Context, c *Certificate) (cert *Certificate, created bool, err error)
	GetCertificateByCode(ctx context.Context, code string) (*Certificate, error)
	GetCertificateForBatch(ctx context.Context, batchID uuid.UUID) (*Certificate, error)
	ClaimAnchorDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Certificate, error)
	RecordAnchorResult(ctx context.Context, c *Certificate) error
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit int) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID) (int, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
}

type CommunityStore interface {
	CreateQuestion(ctx context.Context, q *Question) error
	ListQuestions(ctx context.Context, filter QuestionFilter) ([]*Question, error)
	GetQuestion(ctx context.Context, id uuid.UUID) (*Question, error)
	CreateAnswer(ctx context.Context, a *Answer) error
	AcceptAnswer(ctx context.Context, answerID, userID uuid.UUID) (*Answer, error)
	UpvoteAnswer(ctx context.Context, answerID, userID uuid.UUID) (*Answer, error)
}

type EducationStore interface {
	UpsertProgress(ctx context.Context, userID uuid.UUID, moduleID string, percent int) (*EducationProgress, error)
	ListProgress(ctx context.Context, userID uuid.UUID) ([]*EducationProgress, error)
}

type MarketStore interface {
	// CreateMarketPrices stores every row or none of them.
	CreateMarketPrices(ctx context.Context, prices []*MarketPrice) error
	ListMarketPrices(ctx context.Context, filter MarketPriceFilter) ([]*MarketPrice, error)
	LatestPrices(ctx context.Context, crop string) ([]*MarketPrice, error)
}

type Store interface {
	UserStore
	BatchStore
	ImageStore
	AppealStore
	CertificateStore
	NotificationStore
	CommunityStore
	EducationStore
	MarketStore

	GetStats(ctx context.Context) (*Stats, error)
	Migrate(ctx context.Context) error
	Close() error
}

func limitOrDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
