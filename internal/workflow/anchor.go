package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/bridge"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/cache"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/certificate"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/events"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/httpx"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/notify"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

const (
	anchorClaimLimit = 10
	maxAnchorBackoff = 6 * time.Hour
)

// anchorLease keeps a claimed certificate away from other ticks while the
// bridge call is in flight.
func (e *Engine) anchorLease() time.Duration {
	return 2*e.cfg.BridgeTimeout() + time.Minute
}

// anchorBackoff is the delay before retry number attempts+1: the base delay
// doubled per failed attempt, capped at six hours.
func anchorBackoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		return base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxAnchorBackoff {
			return maxAnchorBackoff
		}
	}
	return d
}

func (e *Engine) anchorDue(ctx context.Context) {
	if e.bridge == nil {
		return
	}
	certs, err := e.store.ClaimAnchorDue(ctx, e.now(), e.anchorLease(), anchorClaimLimit)
	if err != nil {
		e.logger.Error("failed to claim certificates for anchoring", "error", err)
		return
	}
	for _, c := range certs {
		e.anchorOne(ctx, c)
	}
}

func (e *Engine) anchorOne(ctx context.Context, c *store.Certificate) {
	detail, err := e.store.GetBatchDetail(ctx, c.BatchID)
	if err != nil || detail == nil {
		e.logger.Error("batch lookup for anchoring failed", "code", c.Code, "batch_id", c.BatchID, "error", err)
		return
	}
	payload, err := certificate.BuildPayload(c.Code, detail)
	if err != nil {
		e.failAnchor(ctx, detail.Batch, c, err, true)
		return
	}

	receipt, err := e.bridge.AnchorBatch(ctx, bridge.AnchorRequest{
		CertificateCode: c.Code,
		BatchID:         c.BatchID,
		PayloadHash:     c.PayloadHash,
		Stages:          payload.StageSummaries(),
	})
	c.AnchorAttempts++
	if err != nil {
		var se *httpx.StatusError
		permanent := errors.As(err, &se) && !se.Transient()
		e.failAnchor(ctx, detail.Batch, c, err, permanent)
		return
	}

	now := e.now()
	c.AnchorStatus = store.AnchorStatusAnchored
	c.TransactionID = receipt.TransactionID
	c.Network = receipt.Network
	c.AnchoredAt = &now
	c.NextAnchorAt = nil
	c.LastError = ""
	if err := e.store.RecordAnchorResult(ctx, c); err != nil {
		e.logger.Error("failed to record anchor result", "code", c.Code, "error", err)
		return
	}

	e.metrics.AnchorAttempts.WithLabelValues("anchored").Inc()
	e.dropTrace(ctx, c.Code)
	e.logger.Info("certificate anchored", "code", c.Code, "transaction_id", c.TransactionID, "network", c.Network, "attempts", c.AnchorAttempts)
	e.publish(events.SubjectCertificateAnchored(c.Code), events.CertificateEvent{
		Code:          c.Code,
		BatchID:       c.BatchID.String(),
		PayloadHash:   c.PayloadHash,
		AnchorStatus:  string(c.AnchorStatus),
		TransactionID: c.TransactionID,
		Network:       c.Network,
		Attempts:      c.AnchorAttempts,
	})
	e.notify(ctx, &store.Notification{
		UserID:  detail.Batch.FarmerID,
		Kind:    notify.KindCertificateAnchored,
		Title:   fmt.Sprintf("Certificate %s recorded on %s", c.Code, c.Network),
		Body:    "Transaction " + c.TransactionID,
		BatchID: ptr(c.BatchID),
	})
}

// failAnchor schedules the next attempt, or gives up when the error is
// permanent or the attempt budget is spent.
func (e *Engine) failAnchor(ctx context.Context, batch *store.Batch, c *store.Certificate, cause error, permanent bool) {
	c.LastError = cause.Error()
	if !permanent && c.AnchorAttempts < e.cfg.Workflow.AnchorMaxAttempts {
		next := e.now().Add(anchorBackoff(e.cfg.AnchorBaseBackoff(), c.AnchorAttempts))
		c.NextAnchorAt = &next
		if err := e.store.RecordAnchorResult(ctx, c); err != nil {
			e.logger.Error("failed to record anchor retry", "code", c.Code, "error", err)
			return
		}
		e.metrics.AnchorAttempts.WithLabelValues("retry").Inc()
		e.logger.Warn("anchoring failed, will retry", "code", c.Code, "attempts", c.AnchorAttempts, "next_attempt", next, "error", cause)
		return
	}

	c.AnchorStatus = store.AnchorStatusFailed
	c.NextAnchorAt = nil
	if err := e.store.RecordAnchorResult(ctx, c); err != nil {
		e.logger.Error("failed to record anchor failure", "code", c.Code, "error", err)
		return
	}
	e.metrics.AnchorAttempts.WithLabelValues("failed").Inc()
	e.dropTrace(ctx, c.Code)
	e.logger.Error("anchoring failed permanently", "code", c.Code, "attempts", c.AnchorAttempts, "error", cause)
	e.publish(events.SubjectCertificateAnchorFailed(c.Code), events.CertificateEvent{
		Code:         c.Code,
		BatchID:      c.BatchID.String(),
		PayloadHash:  c.PayloadHash,
		AnchorStatus: string(c.AnchorStatus),
		Attempts:     c.AnchorAttempts,
		Error:        c.LastError,
	})
	e.notifyAdmins(ctx, store.Notification{
		Kind:    notify.KindAnchorFailed,
		Title:   fmt.Sprintf("Anchoring failed for certificate %s", c.Code),
		Body:    c.LastError,
		BatchID: ptr(batch.ID),
	})
}

// dropTrace evicts the cached public document after an anchor status change.
func (e *Engine) dropTrace(ctx context.Context, code string) {
	if err := e.cache.Delete(ctx, cache.TraceKey(code)); err != nil {
		e.logger.Warn("trace cache invalidation failed", "code", code, "error", err)
	}
}
