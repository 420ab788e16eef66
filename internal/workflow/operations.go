package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/certificate"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/events"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/notify"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

const codeCollisionRetries = 3

// ownedBatch loads a batch and checks that actor may act on it. Admins may
// act on any batch only when allowAdmin is set.
func (e *Engine) ownedBatch(ctx context.Context, actor *store.User, batchID uuid.UUID, allowAdmin bool) (*store.Batch, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, store.ErrNotFound
	}
	if batch.FarmerID != actor.ID && !(allowAdmin && actor.Role == store.RoleAdmin) {
		return nil, store.ErrForbidden
	}
	return batch, nil
}

// CreateBatch registers a new batch for farmer with its seven stages.
func (e *Engine) CreateBatch(ctx context.Context, farmer *store.User, b *store.Batch) ([]*store.Stage, error) {
	b.FarmerID = farmer.ID
	stages, err := e.store.CreateBatch(ctx, b)
	if err != nil {
		return nil, err
	}
	e.logger.Info("batch created", "batch_id", b.ID, "farmer_id", farmer.ID, "crop", b.CropName)
	e.publish(events.SubjectBatchCreated(b.ID.String()), events.BatchCreatedEvent{
		BatchID:  b.ID.String(),
		FarmerID: farmer.ID.String(),
		CropName: b.CropName,
	})
	return stages, nil
}

// SubmitImage queues a stage photo for screening. Only the batch owner may
// upload, and only to the open stage.
func (e *Engine) SubmitImage(ctx context.Context, farmer *store.User, img *store.StageImage) error {
	if _, err := e.ownedBatch(ctx, farmer, img.BatchID, false); err != nil {
		return err
	}
	img.UploadedBy = farmer.ID
	if err := e.store.CreateImage(ctx, img); err != nil {
		return err
	}
	e.metrics.ImagesUploaded.Inc()
	e.logger.Info("image submitted", "image_id", img.ID, "batch_id", img.BatchID, "stage", img.StageNumber)
	e.publish(events.SubjectImageUploaded(img.ID.String()), events.ImageUploadedEvent{
		ImageID:     img.ID.String(),
		BatchID:     img.BatchID.String(),
		StageNumber: img.StageNumber,
		SHA256:      img.SHA256,
	})
	return nil
}

// ReviewImage records an admin decision on a flagged image.
func (e *Engine) ReviewImage(ctx context.Context, reviewer *store.User, imageID uuid.UUID, approve bool, note string) (*store.StageImage, error) {
	img, err := e.store.ReviewImage(ctx, imageID, reviewer.ID, approve, note)
	if err != nil {
		return nil, err
	}
	decision := "rejected"
	if approve {
		decision = "approved"
	}
	e.metrics.Reviews.WithLabelValues(decision).Inc()
	e.logger.Info("image reviewed", "image_id", img.ID, "reviewer", reviewer.ID, "decision", decision)
	e.publish(events.SubjectImageReviewed(img.ID.String()), events.ImageReviewedEvent{
		ImageID:    img.ID.String(),
		BatchID:    img.BatchID.String(),
		Status:     string(img.Status),
		ReviewedBy: reviewer.ID.String(),
	})

	if batch, err := e.store.GetBatch(ctx, img.BatchID); err == nil && batch != nil {
		body := "An administrator approved the photo."
		if !approve {
			body = "An administrator rejected the photo. You can appeal this decision."
		}
		if note != "" {
			body += " Note: " + note
		}
		e.notify(ctx, &store.Notification{
			UserID:  batch.FarmerID,
			Kind:    notify.KindImageReviewed,
			Title:   fmt.Sprintf("%s photo %s", store.StageName(img.StageNumber), decision),
			Body:    body,
			BatchID: ptr(img.BatchID),
			ImageID: ptr(img.ID),
		})
	}
	return img, nil
}

// FileAppeal disputes a rejected image on behalf of its owner and alerts
// every admin.
func (e *Engine) FileAppeal(ctx context.Context, farmer *store.User, imageID uuid.UUID, reason string) (*store.Appeal, error) {
	img, err := e.store.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, store.ErrNotFound
	}
	batch, err := e.ownedBatch(ctx, farmer, img.BatchID, false)
	if err != nil {
		return nil, err
	}

	a := &store.Appeal{ImageID: imageID, FarmerID: farmer.ID, Reason: reason}
	if err := e.store.CreateAppeal(ctx, a); err != nil {
		return nil, err
	}
	e.metrics.Appeals.WithLabelValues(string(store.AppealStatusOpen)).Inc()
	e.logger.Info("appeal filed", "appeal_id", a.ID, "image_id", imageID, "farmer_id", farmer.ID)
	e.publish(events.SubjectAppealFiled(a.ID.String()), events.AppealEvent{
		AppealID: a.ID.String(),
		ImageID:  imageID.String(),
		BatchID:  a.BatchID.String(),
		FarmerID: farmer.ID.String(),
		Status:   string(a.Status),
	})
	e.notifyAdmins(ctx, store.Notification{
		Kind:    notify.KindAppealFiled,
		Title:   fmt.Sprintf("Appeal on %s photo for %s", store.StageName(img.StageNumber), batch.CropName),
		Body:    reason,
		BatchID: ptr(img.BatchID),
		ImageID: ptr(imageID),
	})
	return a, nil
}

// ResolveAppeal upholds or denies an open appeal and tells the farmer.
func (e *Engine) ResolveAppeal(ctx context.Context, reviewer *store.User, appealID uuid.UUID, uphold bool, note string) (*store.Appeal, *store.StageImage, error) {
	a, img, err := e.store.ResolveAppeal(ctx, appealID, reviewer.ID, uphold, note)
	if err != nil {
		return nil, nil, err
	}
	e.metrics.Appeals.WithLabelValues(string(a.Status)).Inc()
	e.logger.Info("appeal resolved", "appeal_id", a.ID, "status", a.Status, "reviewer", reviewer.ID)
	e.publish(events.SubjectAppealResolved(a.ID.String()), events.AppealEvent{
		AppealID: a.ID.String(),
		ImageID:  a.ImageID.String(),
		BatchID:  a.BatchID.String(),
		FarmerID: a.FarmerID.String(),
		Status:   string(a.Status),
	})

	body := "Your appeal was denied; the photo stays rejected."
	if uphold {
		body = "Your appeal was upheld and the photo now counts towards the stage."
	}
	if note != "" {
		body += " Note: " + note
	}
	e.notify(ctx, &store.Notification{
		UserID:  a.FarmerID,
		Kind:    notify.KindAppealResolved,
		Title:   fmt.Sprintf("Appeal %s", a.Status),
		Body:    body,
		BatchID: ptr(a.BatchID),
		ImageID: ptr(a.ImageID),
	})
	return a, img, nil
}

// CompleteStage closes a stage once it has enough approved photos and opens
// the next one. Completing the last stage verifies the batch.
func (e *Engine) CompleteStage(ctx context.Context, actor *store.User, batchID uuid.UUID, number int) (*store.StageCompletion, error) {
	if _, err := e.ownedBatch(ctx, actor, batchID, true); err != nil {
		return nil, err
	}
	res, err := e.store.CompleteStage(ctx, batchID, number, e.cfg.Workflow.MinImagesPerStage)
	if err != nil {
		return nil, err
	}

	name := store.StageName(number)
	e.metrics.StagesCompleted.WithLabelValues(name).Inc()
	e.logger.Info("stage completed", "batch_id", batchID, "stage", number, "verified_images", res.Verified.VerifiedImages)
	evt := events.StageCompletedEvent{
		BatchID:        batchID.String(),
		StageNumber:    number,
		StageName:      name,
		VerifiedImages: res.Verified.VerifiedImages,
	}
	if res.Next != nil {
		evt.NextStage = res.Next.Number
	}
	e.publish(events.SubjectStageCompleted(batchID.String()), evt)

	title := fmt.Sprintf("Stage %d (%s) completed", number, name)
	if res.Next != nil {
		title += fmt.Sprintf(", stage %d is open", res.Next.Number)
	}
	e.notify(ctx, &store.Notification{
		UserID:  res.Batch.FarmerID,
		Kind:    notify.KindStageCompleted,
		Title:   title,
		BatchID: ptr(batchID),
	})

	if res.BatchVerified {
		e.metrics.BatchesVerified.Inc()
		e.logger.Info("batch verified", "batch_id", batchID)
		e.publish(events.SubjectBatchVerified(batchID.String()), events.BatchVerifiedEvent{
			BatchID:    batchID.String(),
			FarmerID:   res.Batch.FarmerID.String(),
			VerifiedAt: *res.Batch.VerifiedAt,
		})
		e.notify(ctx, &store.Notification{
			UserID:  res.Batch.FarmerID,
			Kind:    notify.KindBatchVerified,
			Title:   fmt.Sprintf("%s batch fully verified", res.Batch.CropName),
			Body:    "All seven stages are verified. You can now request a certificate.",
			BatchID: ptr(batchID),
		})
	}
	return res, nil
}

// IssueCertificate stamps a verified batch with a certificate. Calling it
// again returns the existing certificate with created=false.
func (e *Engine) IssueCertificate(ctx context.Context, actor *store.User, batchID uuid.UUID) (*store.Certificate, bool, error) {
	batch, err := e.ownedBatch(ctx, actor, batchID, true)
	if err != nil {
		return nil, false, err
	}
	if existing, err := e.store.GetCertificateForBatch(ctx, batchID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}
	if batch.Status != store.BatchStatusVerified {
		return nil, false, fmt.Errorf("batch is %s: %w", batch.Status, store.ErrInvalidState)
	}

	detail, err := e.store.GetBatchDetail(ctx, batchID)
	if err != nil {
		return nil, false, err
	}
	if detail == nil {
		return nil, false, store.ErrNotFound
	}

	status := store.AnchorStatusDisabled
	if e.bridge != nil {
		status = store.AnchorStatusPending
	}

	var (
		cert    *store.Certificate
		created bool
	)
	for attempt := 0; attempt < codeCollisionRetries; attempt++ {
		code, err := certificate.NewCode()
		if err != nil {
			return nil, false, err
		}
		payload, err := certificate.BuildPayload(code, detail)
		if err != nil {
			return nil, false, err
		}
		hash, err := payload.Hash()
		if err != nil {
			return nil, false, fmt.Errorf("hash payload: %w", err)
		}
		cert, created, err = e.store.IssueCertificate(ctx, &store.Certificate{
			BatchID:      batchID,
			Code:         code,
			PayloadHash:  hash,
			AnchorStatus: status,
		})
		if errors.Is(err, store.ErrConflict) {
			e.logger.Warn("certificate code collision, regenerating", "batch_id", batchID)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		break
	}
	if cert == nil {
		return nil, false, fmt.Errorf("no unique certificate code after %d attempts: %w", codeCollisionRetries, store.ErrConflict)
	}
	if !created {
		return cert, false, nil
	}

	e.metrics.CertificatesIssued.Inc()
	e.logger.Info("certificate issued", "batch_id", batchID, "code", cert.Code, "anchor_status", cert.AnchorStatus)
	e.publish(events.SubjectCertificateIssued(cert.Code), events.CertificateEvent{
		Code:         cert.Code,
		BatchID:      batchID.String(),
		PayloadHash:  cert.PayloadHash,
		AnchorStatus: string(cert.AnchorStatus),
	})
	e.notify(ctx, &store.Notification{
		UserID:  batch.FarmerID,
		Kind:    notify.KindCertificateIssued,
		Title:   fmt.Sprintf("Certificate %s issued", cert.Code),
		Body:    "Share " + certificate.TraceURL(e.cfg.Server.PublicBaseURL, cert.Code) + " with buyers.",
		BatchID: ptr(batchID),
	})
	return cert, true, nil
}

// RetryAnchor puts a certificate whose anchoring failed back in the queue
// with a fresh attempt budget.
func (e *Engine) RetryAnchor(ctx context.Context, code string) (*store.Certificate, error) {
	if e.bridge == nil {
		return nil, fmt.Errorf("anchoring is disabled: %w", store.ErrInvalidState)
	}
	c, err := e.store.GetCertificateByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, store.ErrNotFound
	}
	if c.AnchorStatus != store.AnchorStatusFailed && c.AnchorStatus != store.AnchorStatusDisabled {
		return nil, fmt.Errorf("certificate is %s: %w", c.AnchorStatus, store.ErrInvalidState)
	}
	c.AnchorStatus = store.AnchorStatusPending
	c.AnchorAttempts = 0
	c.NextAnchorAt = nil
	if err := e.store.RecordAnchorResult(ctx, c); err != nil {
		return nil, err
	}
	e.dropTrace(ctx, c.Code)
	e.logger.Info("anchoring rescheduled", "code", c.Code)
	return c, nil
}
