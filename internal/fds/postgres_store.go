package fds

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/pagination"
)

// PostgresStore persists fraud decisions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed decision store.
// Schema is managed by the goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordDecision(ctx context.Context, d *Decision) error {
	factorsJSON, err := json.Marshal(d.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, transaction_id, user_id, outcome, score, factors, matched_rules, cti_verdict, reason, latency_ms, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		d.ID,
		d.TransactionID,
		d.UserID,
		string(d.Outcome),
		d.Score,
		factorsJSON,
		pq.Array(d.MatchedRules),
		d.CTIVerdict,
		d.Reason,
		d.LatencyMs,
		d.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: record decision: %v", ErrStoreFailed, err)
	}
	return nil
}

func (s *PostgresStore) GetDecision(ctx context.Context, id string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, user_id, outcome, score, factors, matched_rules, cti_verdict, reason, latency_ms, evaluated_at
		FROM decisions WHERE id = $1
	`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: decision %s", ErrNotFound, id)
	}
	return d, err
}

func (s *PostgresStore) ListDecisions(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Decision, error) {
	query := `
		SELECT id, transaction_id, user_id, outcome, score, factors, matched_rules, cti_verdict, reason, latency_ms, evaluated_at
		FROM decisions WHERE TRUE`
	args := []interface{}{}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(` AND (evaluated_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY evaluated_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list decisions: %v", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			continue
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (*Decision, error) {
	var d Decision
	var factorsJSON []byte
	var matched pq.StringArray
	if err := row.Scan(&d.ID, &d.TransactionID, &d.UserID, &d.Outcome, &d.Score,
		&factorsJSON, &matched, &d.CTIVerdict, &d.Reason, &d.LatencyMs, &d.EvaluatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(factorsJSON, &d.Factors)
	d.MatchedRules = []string(matched)
	return &d, nil
}

func (s *PostgresStore) AddBlacklist(ctx context.Context, entry *BlacklistEntry) error {
	var expires sql.NullTime
	if !entry.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: entry.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blacklist (kind, value, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, value) DO UPDATE
		SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at
	`, entry.Kind, entry.Value, entry.Reason, entry.CreatedAt, expires)
	if err != nil {
		return fmt.Errorf("%w: add blacklist: %v", ErrStoreFailed, err)
	}
	return nil
}

func (s *PostgresStore) RemoveBlacklist(ctx context.Context, kind, value string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blacklist WHERE kind = $1 AND value = $2`, kind, value)
	if err != nil {
		return fmt.Errorf("%w: remove blacklist: %v", ErrStoreFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: blacklist %s:%s", ErrNotFound, kind, value)
	}
	return nil
}

func (s *PostgresStore) IsBlacklisted(ctx context.Context, kind, value string) (*BlacklistEntry, error) {
	var entry BlacklistEntry
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, value, reason, created_at, expires_at
		FROM blacklist
		WHERE kind = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > NOW())
	`, kind, value).Scan(&entry.Kind, &entry.Value, &entry.Reason, &entry.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: blacklist lookup: %v", ErrStoreFailed, err)
	}
	if expires.Valid {
		entry.ExpiresAt = expires.Time
	}
	return &entry, nil
}

func (s *PostgresStore) ListBlacklist(ctx context.Context, kind string) ([]*BlacklistEntry, error) {
	query := `
		SELECT kind, value, reason, created_at, expires_at
		FROM blacklist
		WHERE (expires_at IS NULL OR expires_at > NOW())`
	args := []interface{}{}
	if kind != "" {
		query += ` AND kind = $1`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list blacklist: %v", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*BlacklistEntry
	for rows.Next() {
		var entry BlacklistEntry
		var expires sql.NullTime
		if err := rows.Scan(&entry.Kind, &entry.Value, &entry.Reason, &entry.CreatedAt, &expires); err != nil {
			continue
		}
		if expires.Valid {
			entry.ExpiresAt = expires.Time
		}
		result = append(result, &entry)
	}
	return result, rows.Err()
}

func (s *PostgresStore) EnqueueReview(ctx context.Context, item *ReviewItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_queue (id, decision_id, user_id, score, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.DecisionID, item.UserID, item.Score, item.Status, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: enqueue review: %v", ErrStoreFailed, err)
	}
	return nil
}

func (s *PostgresStore) GetReview(ctx context.Context, id string) (*ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, decision_id, user_id, score, status, reviewer, note, created_at, resolved_at
		FROM review_queue WHERE id = $1
	`, id)
	item, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, id)
	}
	return item, err
}

func (s *PostgresStore) ListReviews(ctx context.Context, status string, limit int) ([]*ReviewItem, error) {
	query := `
		SELECT id, decision_id, user_id, score, status, reviewer, note, created_at, resolved_at
		FROM review_queue`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list reviews: %v", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ReviewItem
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			continue
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func scanReview(row rowScanner) (*ReviewItem, error) {
	var item ReviewItem
	var reviewer, note sql.NullString
	var resolved sql.NullTime
	if err := row.Scan(&item.ID, &item.DecisionID, &item.UserID, &item.Score,
		&item.Status, &reviewer, &note, &item.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	item.Reviewer = reviewer.String
	item.Note = note.String
	if resolved.Valid {
		item.ResolvedAt = resolved.Time
	}
	return &item, nil
}

func (s *PostgresStore) ResolveReview(ctx context.Context, id, status, reviewer, note string) (*ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE review_queue
		SET status = $2, reviewer = $3, note = $4, resolved_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING id, decision_id, user_id, score, status, reviewer, note, created_at, resolved_at
	`, id, status, reviewer, note, time.Now())
	item, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either missing or already resolved
		if _, getErr := s.GetReview(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: review %s is not pending", ErrInvalidRequest, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolve review: %v", ErrStoreFailed, err)
	}
	return item, nil
}

func (s *PostgresStore) PendingReviews(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_queue WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: pending reviews: %v", ErrStoreFailed, err)
	}
	return count, nil
}
