package fds

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/cti"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/idgen"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/metrics"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/pagination"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/realtime"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/rules"
)

// Service runs the full decision pipeline for incoming transactions.
type Service struct {
	store     Store
	ruleStore RuleStore
	engine    *Engine
	ruleset   *rules.Engine
	intel     *cti.Service
	publisher Publisher
	hub       *realtime.Hub
	logger    *slog.Logger

	denyThreshold   float64
	reviewThreshold float64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithCTI sets the threat-intel lookup service.
func WithCTI(intel *cti.Service) Option {
	return func(s *Service) { s.intel = intel }
}

// WithPublisher sets the decision event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithHub sets the realtime hub decisions are broadcast to.
func WithHub(h *realtime.Hub) Option {
	return func(s *Service) { s.hub = h }
}

// WithRuleStore sets the durable rule store.
func WithRuleStore(rs RuleStore) Option {
	return func(s *Service) { s.ruleStore = rs }
}

// WithThresholds overrides the default deny/review thresholds.
func WithThresholds(deny, review float64) Option {
	return func(s *Service) {
		s.denyThreshold = deny
		s.reviewThreshold = review
	}
}

// NewService creates the decision service.
func NewService(store Store, engine *Engine, ruleset *rules.Engine, opts ...Option) *Service {
	s := &Service{
		store:           store,
		ruleStore:       NewMemoryRuleStore(),
		engine:          engine,
		ruleset:         ruleset,
		publisher:       NopPublisher{},
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		denyThreshold:   DefaultDenyThreshold,
		reviewThreshold: DefaultReviewThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadRules installs every persisted rule into the evaluation engine.
// Called once at startup.
func (s *Service) LoadRules(ctx context.Context) error {
	stored, err := s.ruleStore.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, r := range stored {
		if err := s.ruleset.Upsert(*r); err != nil {
			s.logger.Warn("skipping rule that no longer compiles",
				"ruleId", r.ID,
				"error", err)
		}
	}
	s.refreshReviewDepth(ctx)
	return nil
}

// refreshReviewDepth re-reads the pending count from the store so the gauge
// stays correct across restarts when the store is durable.
func (s *Service) refreshReviewDepth(ctx context.Context) {
	n, err := s.store.PendingReviews(ctx)
	if err != nil {
		return
	}
	metrics.ReviewQueueDepth.Set(float64(n))
}

func (tx *Transaction) validate() error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transactionId is required", ErrInvalidRequest)
	}
	if tx.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if tx.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if tx.IP == "" {
		return fmt.Errorf("%w: ip is required", ErrInvalidRequest)
	}
	return nil
}

// Evaluate runs a transaction through the pipeline and returns the decision.
// The decision is recorded before this returns; event publishing and the
// websocket broadcast happen asynchronously.
func (s *Service) Evaluate(ctx context.Context, tx *Transaction) (*Decision, error) {
	if err := tx.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	if tx.Timestamp.IsZero() {
		tx.Timestamp = start
	}

	decision, err := s.evaluate(ctx, tx, start)
	if err != nil {
		return nil, err
	}

	decision.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err := s.store.RecordDecision(ctx, decision); err != nil {
		return nil, err
	}
	if decision.Outcome == OutcomeReview {
		item := &ReviewItem{
			ID:         idgen.WithPrefix("rev_"),
			DecisionID: decision.ID,
			UserID:     decision.UserID,
			Score:      decision.Score,
			Status:     ReviewPending,
			CreatedAt:  time.Now(),
		}
		if err := s.store.EnqueueReview(ctx, item); err != nil {
			s.logger.Error("review enqueue failed", "decisionId", decision.ID, "error", err)
		} else {
			s.refreshReviewDepth(ctx)
		}
	}

	metrics.DecisionsTotal.WithLabelValues(string(decision.Outcome)).Inc()
	metrics.RiskScore.Observe(decision.Score)
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())

	go s.announce(decision)
	return decision, nil
}

// evaluate computes outcome and score without side effects on the stores.
func (s *Service) evaluate(ctx context.Context, tx *Transaction, start time.Time) (*Decision, error) {
	decision := &Decision{
		ID:            idgen.WithPrefix("dec_"),
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		EvaluatedAt:   start,
	}

	// Blacklist short-circuits everything else.
	if entry := s.blacklistHit(ctx, tx); entry != nil {
		metrics.BlacklistHitsTotal.Inc()
		decision.Outcome = OutcomeDeny
		decision.Score = 1.0
		decision.Reason = fmt.Sprintf("blacklisted %s", entry.Kind)
		s.engine.RecordTransaction(tx)
		return decision, nil
	}

	var intel *cti.Summary
	if s.intel != nil {
		intel = s.intel.Lookup(ctx, tx.IP)
		decision.CTIVerdict = string(intel.Verdict)
	}

	matches := s.ruleset.Evaluate(ctx, s.ruleInput(tx, intel))

	factors, score := s.engine.Score(tx, intel)
	decision.Factors = factors

	forceDeny, forceReview := false, false
	for _, m := range matches {
		decision.MatchedRules = append(decision.MatchedRules, m.RuleID)
		switch m.Action {
		case rules.ActionDeny:
			forceDeny = true
		case rules.ActionReview:
			forceReview = true
		case rules.ActionFlag:
			score += m.Weight
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	decision.Score = score

	switch {
	case forceDeny:
		decision.Outcome = OutcomeDeny
		decision.Reason = "rule"
	case score >= s.denyThreshold:
		decision.Outcome = OutcomeDeny
		decision.Reason = "score"
	case forceReview || score >= s.reviewThreshold:
		decision.Outcome = OutcomeReview
		if forceReview {
			decision.Reason = "rule"
		} else {
			decision.Reason = "score"
		}
	default:
		decision.Outcome = OutcomeApprove
	}

	s.engine.RecordTransaction(tx)
	return decision, nil
}

func (s *Service) blacklistHit(ctx context.Context, tx *Transaction) *BlacklistEntry {
	checks := []struct{ kind, value string }{
		{KindIP, tx.IP},
		{KindUser, tx.UserID},
		{KindDevice, tx.DeviceID},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		entry, err := s.store.IsBlacklisted(ctx, c.kind, c.value)
		if err != nil {
			s.logger.Error("blacklist lookup failed", "kind", c.kind, "error", err)
			continue
		}
		if entry != nil {
			return entry
		}
	}
	return nil
}

func (s *Service) ruleInput(tx *Transaction, intel *cti.Summary) rules.Input {
	in := rules.Input{
		Amount:     tx.Amount,
		Currency:   tx.Currency,
		UserID:     tx.UserID,
		IP:         tx.IP,
		Country:    tx.Country,
		DeviceID:   tx.DeviceID,
		MerchantID: tx.MerchantID,
		Channel:    tx.Channel,
		Hour:       tx.Timestamp.Hour(),
		Velocity:   s.engine.TxCountWithin(tx.UserID, rapidWindow),
		DailySum:   s.engine.DailySum(tx.UserID),
		NewDevice:  !s.engine.SeenDevice(tx.UserID, tx.DeviceID),
	}
	if intel != nil {
		in.TORExit = intel.TORExit
		in.CTIScore = intel.Score
	}
	return in
}

// announce pushes the decision to Kafka and the websocket feed, best effort.
func (s *Service) announce(d *Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = s.publisher.Publish(ctx, d)

	if s.hub != nil {
		s.hub.BroadcastDecision(map[string]interface{}{
			"id":            d.ID,
			"transactionId": d.TransactionID,
			"userId":        d.UserID,
			"decision":      string(d.Outcome),
			"score":         d.Score,
			"evaluatedAt":   d.EvaluatedAt,
		})
	}
}

// Decision reads a recorded decision by ID.
func (s *Service) Decision(ctx context.Context, id string) (*Decision, error) {
	return s.store.GetDecision(ctx, id)
}

// Decisions lists recorded decisions newest first, optionally filtered by
// user and resumed from an opaque cursor. Returns the page plus the cursor
// for the next one ("" when exhausted).
func (s *Service) Decisions(ctx context.Context, userID, cursor string, limit int) ([]*Decision, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	page, err := s.store.ListDecisions(ctx, userID, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(page, limit, func(d *Decision) (time.Time, string) {
		return d.EvaluatedAt, d.ID
	})
	return page, next, nil
}

// AddBlacklist validates and stores a blacklist entry.
func (s *Service) AddBlacklist(ctx context.Context, entry *BlacklistEntry) error {
	switch entry.Kind {
	case KindIP, KindUser, KindDevice:
	default:
		return fmt.Errorf("%w: unknown blacklist kind %q", ErrInvalidRequest, entry.Kind)
	}
	if entry.Value == "" {
		return fmt.Errorf("%w: value is required", ErrInvalidRequest)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := s.store.AddBlacklist(ctx, entry); err != nil {
		return err
	}
	s.broadcast(realtime.EventBlacklistUpdate, map[string]interface{}{
		"kind":  entry.Kind,
		"value": entry.Value,
		"op":    "add",
	})
	return nil
}

// RemoveBlacklist deletes a blacklist entry.
func (s *Service) RemoveBlacklist(ctx context.Context, kind, value string) error {
	if err := s.store.RemoveBlacklist(ctx, kind, value); err != nil {
		return err
	}
	s.broadcast(realtime.EventBlacklistUpdate, map[string]interface{}{
		"kind":  kind,
		"value": value,
		"op":    "remove",
	})
	return nil
}

// Blacklist lists active entries, optionally filtered by kind.
func (s *Service) Blacklist(ctx context.Context, kind string) ([]*BlacklistEntry, error) {
	return s.store.ListBlacklist(ctx, kind)
}

// UpsertRule compiles, persists, and installs a rule.
func (s *Service) UpsertRule(ctx context.Context, r *rules.Rule) error {
	if r.ID == "" {
		r.ID = idgen.WithPrefix("rule_")
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}
	if err := s.ruleset.Upsert(*r); err != nil {
		return err
	}
	if err := s.ruleStore.SaveRule(ctx, r); err != nil {
		s.ruleset.Remove(r.ID)
		return err
	}
	s.broadcast(realtime.EventRuleChange, map[string]interface{}{
		"ruleId": r.ID,
		"op":     "upsert",
	})
	return nil
}

// DeleteRule uninstalls and deletes a rule.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	if err := s.ruleStore.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.ruleset.Remove(id)
	s.broadcast(realtime.EventRuleChange, map[string]interface{}{
		"ruleId": id,
		"op":     "delete",
	})
	return nil
}

// Rules lists the installed rules.
func (s *Service) Rules() []rules.Rule {
	return s.ruleset.Rules()
}

// Reviews lists review queue items.
func (s *Service) Reviews(ctx context.Context, status string, limit int) ([]*ReviewItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListReviews(ctx, status, limit)
}

// ResolveReview applies a human verdict to a pending review item.
func (s *Service) ResolveReview(ctx context.Context, id, verdict, reviewer, note string) (*ReviewItem, error) {
	var status string
	switch verdict {
	case "approve", ReviewApproved:
		status = ReviewApproved
	case "deny", ReviewDenied:
		status = ReviewDenied
	default:
		return nil, fmt.Errorf("%w: verdict must be approve or deny", ErrInvalidRequest)
	}
	item, err := s.store.ResolveReview(ctx, id, status, reviewer, note)
	if err != nil {
		return nil, err
	}
	s.refreshReviewDepth(ctx)
	s.broadcast(realtime.EventReviewResolved, map[string]interface{}{
		"reviewId":   item.ID,
		"decisionId": item.DecisionID,
		"status":     item.Status,
		"reviewer":   item.Reviewer,
	})
	return item, nil
}

// Stats summarizes service state for the internal endpoint.
func (s *Service) Stats(ctx context.Context) (map[string]interface{}, error) {
	pending, err := s.store.PendingReviews(ctx)
	if err != nil {
		return nil, err
	}
	blacklist, err := s.store.ListBlacklist(ctx, "")
	if err != nil {
		return nil, err
	}
	stats := map[string]interface{}{
		"pendingReviews":  pending,
		"blacklistSize":   len(blacklist),
		"installedRules":  len(s.ruleset.Rules()),
		"denyThreshold":   s.denyThreshold,
		"reviewThreshold": s.reviewThreshold,
	}
	if s.hub != nil {
		stats["realtime"] = s.hub.Stats()
	}
	return stats, nil
}

func (s *Service) broadcast(eventType realtime.EventType, data map[string]interface{}) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(&realtime.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}
