// Package fds implements real-time fraud decisioning for transactions.
//
// Every transaction is evaluated through a fixed pipeline: blacklist
// short-circuit, operator rules, threat-intel lookup, then 5 weighted risk
// factors. Scores range from 0.0 (safe) to 1.0 (high risk). Transactions at
// or above the deny threshold are rejected before the order is placed;
// scores in the review band park the transaction in a manual review queue.
package fds

import (
	"context"
	"errors"
	"time"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/pagination"
	"github.com/jihosong-sjh/ShopFDS-sub004/internal/rules"
)

// Errors
var (
	ErrNotFound       = errors.New("fds: not found")
	ErrInvalidRequest = errors.New("fds: invalid request")
	ErrAlreadyExists  = errors.New("fds: already exists")
	ErrStoreFailed    = errors.New("fds: store operation failed")
)

// Outcome represents the decision service's verdict on a transaction.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReview  Outcome = "review"
	OutcomeDeny    Outcome = "deny"
)

// Default thresholds for fraud decisions.
const (
	DefaultDenyThreshold   = 0.8
	DefaultReviewThreshold = 0.5
)

// Transaction carries the payment attempt under evaluation.
// Amount is in minor currency units (KRW has none, so whole won).
type Transaction struct {
	ID         string    `json:"transactionId"`
	UserID     string    `json:"userId"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	IP         string    `json:"ip"`
	Country    string    `json:"country,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	MerchantID string    `json:"merchantId,omitempty"`
	Channel    string    `json:"channel,omitempty"` // web, app, pos
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// Factor is one weighted contributor to the final risk score.
type Factor struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
	Detail string  `json:"detail,omitempty"`
}

// Decision is the result of evaluating a single transaction.
type Decision struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Outcome       Outcome   `json:"outcome"`
	Score         float64   `json:"score"`
	Factors       []Factor  `json:"factors"`
	MatchedRules  []string  `json:"matchedRules,omitempty"`
	CTIVerdict    string    `json:"ctiVerdict,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	LatencyMs     float64   `json:"latencyMs"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}

// Blacklist entry kinds.
const (
	KindIP     = "ip"
	KindUser   = "user"
	KindDevice = "device"
)

// BlacklistEntry blocks a value outright, skipping scoring entirely.
type BlacklistEntry struct {
	Kind      string    `json:"kind"`
	Value     string    `json:"value"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"` // zero means permanent
}

// Expired reports whether the entry has lapsed.
func (b *BlacklistEntry) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// Review queue item states.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewDenied   = "denied"
)

// ReviewItem is a transaction awaiting a human verdict.
type ReviewItem struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decisionId"`
	UserID     string    `json:"userId"`
	Score      float64   `json:"score"`
	Status     string    `json:"status"`
	Reviewer   string    `json:"reviewer,omitempty"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ResolvedAt time.Time `json:"resolvedAt,omitzero"`
}

// Store persists decisions, blacklist entries, and the review queue.
type Store interface {
	RecordDecision(ctx context.Context, d *Decision) error
	GetDecision(ctx context.Context, id string) (*Decision, error)
	// ListDecisions returns decisions newest first, strictly older than the
	// cursor when one is given. Callers fetch limit+1 to detect more pages.
	ListDecisions(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Decision, error)

	AddBlacklist(ctx context.Context, entry *BlacklistEntry) error
	RemoveBlacklist(ctx context.Context, kind, value string) error
	IsBlacklisted(ctx context.Context, kind, value string) (*BlacklistEntry, error)
	ListBlacklist(ctx context.Context, kind string) ([]*BlacklistEntry, error)

	EnqueueReview(ctx context.Context, item *ReviewItem) error
	GetReview(ctx context.Context, id string) (*ReviewItem, error)
	ListReviews(ctx context.Context, status string, limit int) ([]*ReviewItem, error)
	ResolveReview(ctx context.Context, id, status, reviewer, note string) (*ReviewItem, error)
	PendingReviews(ctx context.Context) (int, error)
}

// RuleStore persists operator rules so they survive restarts. The compiled
// form lives in the rules engine; this is the durable source of truth.
type RuleStore interface {
	SaveRule(ctx context.Context, r *rules.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context) ([]*rules.Rule, error)
}
