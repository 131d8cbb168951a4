package fds

import (
	"context"
	"fmt"
	"sync"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/rules"
)

// MemoryRuleStore keeps rules in memory for demo/test use.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]rules.Rule
}

var _ RuleStore = (*MemoryRuleStore)(nil)

// NewMemoryRuleStore creates an in-memory rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]rules.Rule)}
}

func (s *MemoryRuleStore) SaveRule(ctx context.Context, r *rules.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = *r
	return nil
}

func (s *MemoryRuleStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: rule %s", ErrNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryRuleStore) ListRules(ctx context.Context) ([]*rules.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rules.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		c := r
		result = append(result, &c)
	}
	return result, nil
}

// PostgresRuleStore persists rules in PostgreSQL.
type PostgresRuleStore struct {
	store *PostgresStore
}

var _ RuleStore = (*PostgresRuleStore)(nil)

// NewPostgresRuleStore creates a PostgreSQL-backed rule store sharing the
// decision store's connection.
func NewPostgresRuleStore(store *PostgresStore) *PostgresRuleStore {
	return &PostgresRuleStore{store: store}
}

func (s *PostgresRuleStore) SaveRule(ctx context.Context, r *rules.Rule) error {
	_, err := s.store.db.ExecContext(ctx, `
		INSERT INTO rules (id, name, expression, action, weight, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, expression = EXCLUDED.expression,
		    action = EXCLUDED.action, weight = EXCLUDED.weight,
		    enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`, r.ID, r.Name, r.Expression, r.Action, r.Weight, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: save rule: %v", ErrStoreFailed, err)
	}
	return nil
}

func (s *PostgresRuleStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.store.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete rule: %v", ErrStoreFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresRuleStore) ListRules(ctx context.Context) ([]*rules.Rule, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT id, name, expression, action, weight, enabled, created_at, updated_at
		FROM rules ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list rules: %v", ErrStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*rules.Rule
	for rows.Next() {
		var r rules.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.Expression, &r.Action, &r.Weight,
			&r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			continue
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}
