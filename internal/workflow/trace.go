package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/bridge"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/cache"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/certificate"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

// Trace is the public provenance document behind a certificate's QR code.
// Only approved photos are included.
type Trace struct {
	Code         string              `json:"code"`
	TraceURL     string              `json:"trace_url"`
	IssuedAt     time.Time           `json:"issued_at"`
	PayloadHash  string              `json:"payload_hash"`
	HashVerified bool                `json:"hash_verified"`
	Anchor       TraceAnchor         `json:"anchor"`
	Batch        TraceBatch          `json:"batch"`
	Farmer       TraceFarmer         `json:"farmer"`
	Stages       []TraceStage        `json:"stages"`
	Transaction  *bridge.Transaction `json:"transaction,omitempty"`
}

type TraceAnchor struct {
	Status        store.AnchorStatus `json:"status"`
	TransactionID string             `json:"transaction_id,omitempty"`
	Network       string             `json:"network,omitempty"`
	AnchoredAt    *time.Time         `json:"anchored_at,omitempty"`
}

type TraceBatch struct {
	ID              uuid.UUID  `json:"id"`
	CropName        string     `json:"crop_name"`
	Variety         string     `json:"variety,omitempty"`
	FarmLocation    string     `json:"farm_location,omitempty"`
	AreaAcres       *float64   `json:"area_acres,omitempty"`
	SowingDate      *time.Time `json:"sowing_date,omitempty"`
	ExpectedHarvest *time.Time `json:"expected_harvest,omitempty"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
}

type TraceFarmer struct {
	Name     string `json:"name"`
	Village  string `json:"village,omitempty"`
	District string `json:"district,omitempty"`
	State    string `json:"state,omitempty"`
}

type TraceStage struct {
	Number         int          `json:"number"`
	Name           string       `json:"name"`
	VerifiedImages int          `json:"verified_images"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	Images         []TraceImage `json:"images"`
}

type TraceImage struct {
	URL        string     `json:"url"`
	SHA256     string     `json:"sha256"`
	Caption    string     `json:"caption,omitempty"`
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

// Trace resolves a certificate code, which may be typed by hand, to its
// public document. Documents are cached for the configured TTL and dropped
// when the certificate is anchored.
func (e *Engine) Trace(ctx context.Context, rawCode string) (*Trace, error) {
	code, ok := certificate.NormalizeCode(rawCode)
	if !ok {
		return nil, store.ErrNotFound
	}

	var cached Trace
	if found, err := e.cache.Get(ctx, cache.TraceKey(code), &cached); err != nil {
		e.logger.Warn("trace cache read failed", "code", code, "error", err)
	} else if found {
		return &cached, nil
	}

	c, err := e.store.GetCertificateByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, store.ErrNotFound
	}
	detail, err := e.store.GetBatchDetail(ctx, c.BatchID)
	if err != nil {
		return nil, err
	}
	if detail == nil {
		return nil, store.ErrNotFound
	}
	farmer, err := e.store.GetUser(ctx, detail.Batch.FarmerID)
	if err != nil {
		return nil, err
	}

	t := buildTrace(c, detail, farmer)
	t.TraceURL = certificate.TraceURL(e.cfg.Server.PublicBaseURL, c.Code)
	if payload, err := certificate.BuildPayload(c.Code, detail); err == nil {
		if hash, err := payload.Hash(); err == nil {
			t.HashVerified = hash == c.PayloadHash
		}
	}
	if !t.HashVerified {
		e.logger.Warn("certificate payload hash mismatch", "code", c.Code, "batch_id", c.BatchID)
	}

	if c.AnchorStatus == store.AnchorStatusAnchored && c.TransactionID != "" && e.bridge != nil {
		tx, err := e.bridge.GetTransaction(ctx, c.TransactionID)
		if err != nil {
			e.logger.Warn("transaction lookup failed", "code", c.Code, "transaction_id", c.TransactionID, "error", err)
		} else {
			t.Transaction = tx
		}
	}

	if err := e.cache.Set(ctx, cache.TraceKey(code), t); err != nil {
		e.logger.Warn("trace cache write failed", "code", code, "error", err)
	}
	return t, nil
}

func buildTrace(c *store.Certificate, detail *store.BatchDetail, farmer *store.User) *Trace {
	b := detail.Batch
	t := &Trace{
		Code:        c.Code,
		IssuedAt:    c.IssuedAt,
		PayloadHash: c.PayloadHash,
		Anchor: TraceAnchor{
			Status:        c.AnchorStatus,
			TransactionID: c.TransactionID,
			Network:       c.Network,
			AnchoredAt:    c.AnchoredAt,
		},
		Batch: TraceBatch{
			ID:              b.ID,
			CropName:        b.CropName,
			Variety:         b.Variety,
			FarmLocation:    b.FarmLocation,
			AreaAcres:       b.AreaAcres,
			SowingDate:      b.SowingDate,
			ExpectedHarvest: b.ExpectedHarvest,
			VerifiedAt:      b.VerifiedAt,
		},
	}
	if farmer != nil {
		t.Farmer = TraceFarmer{Name: farmer.FullName, Village: farmer.Village, District: farmer.District, State: farmer.State}
	}

	// Completed stages show exactly the photos frozen into the certificate.
	frozen := map[int]map[string]bool{}
	for _, vs := range detail.Verified {
		set := map[string]bool{}
		for _, sum := range vs.ImageHashes {
			set[strings.ToLower(sum)] = true
		}
		frozen[vs.StageNumber] = set
	}

	images := map[int][]TraceImage{}
	for _, img := range detail.Images {
		if img.Status != store.ImageStatusApproved {
			continue
		}
		if set, ok := frozen[img.StageNumber]; ok && !set[strings.ToLower(img.SHA256)] {
			continue
		}
		images[img.StageNumber] = append(images[img.StageNumber], TraceImage{
			URL:        img.ImageURL,
			SHA256:     img.SHA256,
			Caption:    img.Caption,
			Latitude:   img.Latitude,
			Longitude:  img.Longitude,
			CapturedAt: img.CapturedAt,
		})
	}
	for _, st := range detail.Stages {
		imgs := images[st.Number]
		if imgs == nil {
			imgs = []TraceImage{}
		}
		t.Stages = append(t.Stages, TraceStage{
			Number:         st.Number,
			Name:           st.Name,
			VerifiedImages: st.VerifiedImages,
			CompletedAt:    st.CompletedAt,
			Images:         imgs,
		})
	}
	return t
}
