package events

import "time"

type BatchCreatedEvent struct {
	BatchID  string `json:"batch_id"`
	FarmerID string `json:"farmer_id"`
	CropName string `json:"crop_name"`
}

type ImageUploadedEvent struct {
	ImageID     string `json:"image_id"`
	BatchID     string `json:"batch_id"`
	StageNumber int    `json:"stage_number"`
	SHA256      string `json:"sha256"`
}

type ImageScreenedEvent struct {
	ImageID      string  `json:"image_id"`
	BatchID      string  `json:"batch_id"`
	StageNumber  int     `json:"stage_number"`
	Verdict      string  `json:"verdict"`
	Score        float64 `json:"score"`
	HardLimit    bool    `json:"hard_limit,omitempty"`
	ModelVersion string  `json:"model_version,omitempty"`
}

type ImageReviewedEvent struct {
	ImageID    string `json:"image_id"`
	BatchID    string `json:"batch_id"`
	Status     string `json:"status"`
	ReviewedBy string `json:"reviewed_by"`
}

type AppealEvent struct {
	AppealID string `json:"appeal_id"`
	ImageID  string `json:"image_id"`
	BatchID  string `json:"batch_id"`
	FarmerID string `json:"farmer_id"`
	Status   string `json:"status"`
}

type StageCompletedEvent struct {
	BatchID        string `json:"batch_id"`
	StageNumber    int    `json:"stage_number"`
	StageName      string `json:"stage_name"`
	VerifiedImages int    `json:"verified_images"`
	NextStage      int    `json:"next_stage,omitempty"`
}

type BatchVerifiedEvent struct {
	BatchID    string    `json:"batch_id"`
	FarmerID   string    `json:"farmer_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

type CertificateEvent struct {
	Code          string `json:"code"`
	BatchID       string `json:"batch_id"`
	PayloadHash   string `json:"payload_hash"`
	AnchorStatus  string `json:"anchor_status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Network       string `json:"network,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NotificationEvent carries enough of a notification for other replicas to
// push it to their own WebSocket clients. Origin names the publishing process.
type NotificationEvent struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Body           string    `json:"body,omitempty"`
	BatchID        string    `json:"batch_id,omitempty"`
	ImageID        string    `json:"image_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Origin         string    `json:"origin"`
}

type MarketPricesEvent struct {
	Crop  string `json:"crop"`
	Count int    `json:"count"`
}

type StatsEvent struct {
	PendingImages int       `json:"pending_images"`
	FlaggedImages int       `json:"flagged_images"`
	OpenAppeals   int       `json:"open_appeals"`
	ActiveBatches int       `json:"active_batches"`
	Certificates  int       `json:"certificates"`
	Anchored      int       `json:"anchored"`
	Timestamp     time.Time `json:"timestamp"`
}
