package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/aiclient"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/bridge"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/cache"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/config"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/events"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/metrics"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/notify"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/screening"
	"github.com/Kushal-Raj-G-S/KrishiBarosa/internal/store"
)

// Deps are the collaborators of an Engine. Bridge may be nil, in which case
// certificates are issued without anchoring. Events and Cache default to
// no-op implementations.
type Deps struct {
	Store    store.Store
	AI       aiclient.Client
	Bridge   bridge.Client
	Notifier *notify.Notifier
	Events   events.Client
	Cache    cache.Cache
	Metrics  *metrics.Metrics
	Config   *config.Config
	Logger   *slog.Logger
}

// Engine drives batches from first upload to an anchored certificate. The
// background loops screen pending images and anchor issued certificates;
// the exported methods are the synchronous transitions used by the API.
type Engine struct {
	store    store.Store
	ai       aiclient.Client
	bridge   bridge.Client
	notifier *notify.Notifier
	events   events.Client
	cache    cache.Cache
	metrics  *metrics.Metrics
	policy   screening.Policy
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(d Deps) *Engine {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Cache == nil {
		d.Cache = cache.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewNotifier(d.Store, nil, d.Events, d.Logger)
	}
	return &Engine{
		store:    d.Store,
		ai:       d.AI,
		bridge:   d.Bridge,
		notifier: d.Notifier,
		events:   d.Events,
		cache:    d.Cache,
		metrics:  d.Metrics,
		policy:   PolicyFromConfig(d.Config),
		cfg:      d.Config,
		logger:   d.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}
}

// PolicyFromConfig builds the screening policy from the screening section.
func PolicyFromConfig(cfg *config.Config) screening.Policy {
	s := cfg.Screening
	return screening.Policy{
		Weights: screening.Weights{
			Authenticity: s.Weights.Authenticity,
			Deepfake:     s.Weights.Deepfake,
			Tamper:       s.Weights.Tamper,
		},
		ApproveThreshold:  s.ApproveThreshold,
		RejectThreshold:   s.RejectThreshold,
		DeepfakeHardLimit: s.DeepfakeHardLimit,
	}
}

// Policy returns the screening policy in effect.
func (e *Engine) Policy() screening.Policy {
	return e.policy
}

// AnchoringEnabled reports whether issued certificates are sent to the bridge.
func (e *Engine) AnchoringEnabled() bool {
	return e.bridge != nil
}

func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(3)
	go e.loop(ctx, e.cfg.TickInterval(), e.screenPending)
	go e.loop(ctx, e.cfg.AnchorInterval(), e.anchorDue)
	go e.loop(ctx, e.cfg.AnchorInterval(), e.publishStats)
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (e *Engine) publish(subject string, data interface{}) {
	if err := e.events.Publish(subject, data); err != nil {
		e.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, n *store.Notification) {
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Error("notify failed", "user_id", n.UserID, "kind", n.Kind, "error", err)
	}
}

func (e *Engine) notifyAdmins(ctx context.Context, n store.Notification) {
	if _, err := e.notifier.NotifyAdmins(ctx, n); err != nil {
		e.logger.Error("notify admins failed", "kind", n.Kind, "error", err)
	}
}

func (e *Engine) publishStats(ctx context.Context) {
	stats, err := e.store.GetStats(ctx)
	if err != nil {
		e.logger.Error("failed to get stats", "error", err)
		return
	}
	pending := stats.Images[store.ImageStatusPending] + stats.Images[store.ImageStatusScreening]
	flagged := stats.Images[store.ImageStatusFlagged]
	e.metrics.QueueDepth.WithLabelValues("screening").Set(float64(pending))
	e.metrics.QueueDepth.WithLabelValues("flagged").Set(float64(flagged))
	e.metrics.QueueDepth.WithLabelValues("appeals").Set(float64(stats.OpenAppeals))

	e.publish(events.SubjectWorkflowStats, events.StatsEvent{
		PendingImages: pending,
		FlaggedImages: flagged,
		OpenAppeals:   stats.OpenAppeals,
		ActiveBatches: stats.Batches[store.BatchStatusActive],
		Certificates:  stats.CertificatesIssued,
		Anchored:      stats.CertificatesAnchored,
		Timestamp:     e.now(),
	})
}

func ptr[T any](v T) *T { return &v }
