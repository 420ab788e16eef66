package workflow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/aiclient"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/events"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/notify"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/screening"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

// maxScreeningAttempts bounds how often an image is sent to the detector.
// After that it is flagged for a human instead of retried forever.
const maxScreeningAttempts = 5

// screeningLease is how long a claimed image may sit in screening before
// another tick may reclaim it.
func (e *Engine) screeningLease() time.Duration {
	attempts := e.cfg.AI.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	lease := 2 * e.cfg.AITimeout() * time.Duration(attempts)
	if lease < time.Minute {
		lease = time.Minute
	}
	return lease
}

func (e *Engine) screenPending(ctx context.Context) {
	images, err := e.store.ClaimPendingImages(ctx, e.cfg.Workflow.ScreeningBatchSize, e.screeningLease())
	if err != nil {
		e.logger.Error("failed to claim pending images", "error", err)
		return
	}
	if len(images) == 0 {
		return
	}
	e.logger.Info("screening images", "count", len(images))

	var g errgroup.Group
	g.SetLimit(e.cfg.Workflow.ScreeningConcurrency)
	for _, img := range images {
		img := img
		g.Go(func() error {
			e.screenImage(ctx, img)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) screenImage(ctx context.Context, img *store.StageImage) {
	batch, err := e.store.GetBatch(ctx, img.BatchID)
	if err != nil || batch == nil {
		e.logger.Error("batch lookup for screening failed", "image_id", img.ID, "batch_id", img.BatchID, "error", err)
		e.release(ctx, img)
		return
	}

	analysis, err := e.ai.Analyze(ctx, aiclient.AnalyzeRequest{
		ImageID:     img.ID,
		BatchID:     img.BatchID,
		StageNumber: img.StageNumber,
		StageName:   store.StageName(img.StageNumber),
		CropName:    batch.CropName,
		ImageURL:    img.ImageURL,
		SHA256:      img.SHA256,
	})
	if err != nil {
		e.metrics.ScreeningErrors.Inc()
		if img.ScreeningAttempts < maxScreeningAttempts {
			e.logger.Warn("ai analysis failed, will retry", "image_id", img.ID, "attempt", img.ScreeningAttempts, "error", err)
			e.release(ctx, img)
			return
		}
		e.logger.Error("ai analysis failed, flagging for review", "image_id", img.ID, "attempts", img.ScreeningAttempts, "error", err)
		e.recordVerdict(ctx, batch, img, &store.AIValidation{
			ImageID: img.ID,
			Verdict: store.VerdictFlagged,
			Error:   fmt.Sprintf("screening failed after %d attempts: %v", img.ScreeningAttempts, err),
		}, screening.Result{Verdict: store.VerdictFlagged})
		return
	}

	res := e.policy.Evaluate(screening.Scores{
		Authenticity: analysis.AuthenticityScore,
		Deepfake:     analysis.DeepfakeProbability,
		Tamper:       analysis.TamperScore,
	})
	e.recordVerdict(ctx, batch, img, &store.AIValidation{
		ImageID:             img.ID,
		AuthenticityScore:   analysis.AuthenticityScore,
		DeepfakeProbability: analysis.DeepfakeProbability,
		TamperScore:         analysis.TamperScore,
		CombinedScore:       res.Score,
		Verdict:             res.Verdict,
		ModelVersion:        analysis.ModelVersion,
		Labels:              analysis.Labels,
	}, res)
}

func (e *Engine) release(ctx context.Context, img *store.StageImage) {
	if err := e.store.ReleaseImage(ctx, img.ID); err != nil {
		e.logger.Error("failed to release image", "image_id", img.ID, "error", err)
	}
}

func (e *Engine) recordVerdict(ctx context.Context, batch *store.Batch, img *store.StageImage, v *store.AIValidation, res screening.Result) {
	updated, err := e.store.RecordValidation(ctx, v)
	if err != nil {
		e.logger.Error("failed to record validation", "image_id", img.ID, "error", err)
		return
	}
	e.metrics.Verdicts.WithLabelValues(string(res.Verdict)).Inc()
	e.logger.Info("image screened",
		"image_id", img.ID,
		"batch_id", img.BatchID,
		"stage", img.StageNumber,
		"verdict", res.Verdict,
		"score", res.Score,
		"hard_limit", res.HardLimit,
	)
	e.publish(events.SubjectImageScreened(img.ID.String()), events.ImageScreenedEvent{
		ImageID:      img.ID.String(),
		BatchID:      img.BatchID.String(),
		StageNumber:  img.StageNumber,
		Verdict:      string(res.Verdict),
		Score:        res.Score,
		HardLimit:    res.HardLimit,
		ModelVersion: v.ModelVersion,
	})

	stage := store.StageName(img.StageNumber)
	switch updated.Status {
	case store.ImageStatusRejected:
		e.notify(ctx, &store.Notification{
			UserID:  batch.FarmerID,
			Kind:    notify.KindImageRejected,
			Title:   fmt.Sprintf("%s photo rejected", stage),
			Body:    "The photo did not pass automatic verification. You can appeal this decision.",
			BatchID: ptr(img.BatchID),
			ImageID: ptr(img.ID),
		})
	case store.ImageStatusFlagged:
		e.notify(ctx, &store.Notification{
			UserID:  batch.FarmerID,
			Kind:    notify.KindImageFlagged,
			Title:   fmt.Sprintf("%s photo sent for review", stage),
			Body:    "An administrator will review the photo shortly.",
			BatchID: ptr(img.BatchID),
			ImageID: ptr(img.ID),
		})
		e.notifyAdmins(ctx, store.Notification{
			Kind:    notify.KindReviewNeeded,
			Title:   fmt.Sprintf("%s photo for %s needs review", stage, batch.CropName),
			Body:    v.Error,
			BatchID: ptr(img.BatchID),
			ImageID: ptr(img.ID),
		})
	}
}
