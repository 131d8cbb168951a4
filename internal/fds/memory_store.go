package fds

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jihosong-sjh/ShopFDS-sub004/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[string]*Decision
	byUser    map[string][]string // userID → decision IDs, oldest first
	blacklist map[string]*BlacklistEntry
	reviews   map[string]*ReviewItem
	reviewSeq []string // review IDs, oldest first
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions: make(map[string]*Decision),
		byUser:    make(map[string][]string),
		blacklist: make(map[string]*BlacklistEntry),
		reviews:   make(map[string]*ReviewItem),
	}
}

func blacklistKey(kind, value string) string {
	return kind + ":" + value
}

func copyDecision(d *Decision) *Decision {
	c := *d
	c.Factors = append([]Factor(nil), d.Factors...)
	c.MatchedRules = append([]string(nil), d.MatchedRules...)
	return &c
}

func (s *MemoryStore) RecordDecision(ctx context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.ID] = copyDecision(d)
	s.byUser[d.UserID] = append(s.byUser[d.UserID], d.ID)
	return nil
}

func (s *MemoryStore) GetDecision(ctx context.Context, id string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return nil, fmt.Errorf("%w: decision %s", ErrNotFound, id)
	}
	return copyDecision(d), nil
}

func (s *MemoryStore) ListDecisions(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Decision
	if userID != "" {
		for _, id := range s.byUser[userID] {
			if d, ok := s.decisions[id]; ok {
				all = append(all, d)
			}
		}
	} else {
		for _, d := range s.decisions {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].EvaluatedAt.Equal(all[j].EvaluatedAt) {
			return all[i].EvaluatedAt.After(all[j].EvaluatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var result []*Decision
	for _, d := range all {
		if cursor != nil {
			if d.EvaluatedAt.After(cursor.CreatedAt) {
				continue
			}
			if d.EvaluatedAt.Equal(cursor.CreatedAt) && d.ID >= cursor.ID {
				continue
			}
		}
		result = append(result, copyDecision(d))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) AddBlacklist(ctx context.Context, entry *BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.blacklist[blacklistKey(entry.Kind, entry.Value)] = &e
	return nil
}

func (s *MemoryStore) RemoveBlacklist(ctx context.Context, kind, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := blacklistKey(kind, value)
	if _, ok := s.blacklist[key]; !ok {
		return fmt.Errorf("%w: blacklist %s", ErrNotFound, key)
	}
	delete(s.blacklist, key)
	return nil
}

func (s *MemoryStore) IsBlacklisted(ctx context.Context, kind, value string) (*BlacklistEntry, error) {
	s.mu.RLock()
	entry, ok := s.blacklist[blacklistKey(kind, value)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if entry.Expired(time.Now()) {
		s.mu.Lock()
		delete(s.blacklist, blacklistKey(kind, value))
		s.mu.Unlock()
		return nil, nil
	}
	e := *entry
	return &e, nil
}

func (s *MemoryStore) ListBlacklist(ctx context.Context, kind string) ([]*BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var result []*BlacklistEntry
	for _, entry := range s.blacklist {
		if kind != "" && entry.Kind != kind {
			continue
		}
		if entry.Expired(now) {
			continue
		}
		e := *entry
		result = append(result, &e)
	}
	return result, nil
}

func (s *MemoryStore) EnqueueReview(ctx context.Context, item *ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := *item
	s.reviews[item.ID] = &i
	s.reviewSeq = append(s.reviewSeq, item.ID)
	return nil
}

func (s *MemoryStore) GetReview(ctx context.Context, id string) (*ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.reviews[id]
	if !ok {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, id)
	}
	i := *item
	return &i, nil
}

func (s *MemoryStore) ListReviews(ctx context.Context, status string, limit int) ([]*ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*ReviewItem
	for i := len(s.reviewSeq) - 1; i >= 0; i-- {
		item, ok := s.reviews[s.reviewSeq[i]]
		if !ok {
			continue
		}
		if status != "" && item.Status != status {
			continue
		}
		c := *item
		result = append(result, &c)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ResolveReview(ctx context.Context, id, status, reviewer, note string) (*ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.reviews[id]
	if !ok {
		return nil, fmt.Errorf("%w: review %s", ErrNotFound, id)
	}
	if item.Status != ReviewPending {
		return nil, fmt.Errorf("%w: review %s already %s", ErrInvalidRequest, id, item.Status)
	}
	item.Status = status
	item.Reviewer = reviewer
	item.Note = note
	item.ResolvedAt = time.Now()
	i := *item
	return &i, nil
}

func (s *MemoryStore) PendingReviews(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, item := range s.reviews {
		if item.Status == ReviewPending {
			count++
		}
	}
	return count, nil
}
