package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/moeplan/internal/planner"
)

// PlanRecord is a stored plan. CreatedAt lives beside the plan so the plan
// itself stays reproducible.
type PlanRecord struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	CreatedAt int64         `json:"created_at"`
	Plan      *planner.Plan `json:"plan"`
}

// PlanStore keeps plans in memory, keyed by id.
type PlanStore struct {
	mu    sync.Mutex
	plans map[string]*PlanRecord
	order []string
}

func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]*PlanRecord)}
}

func (s *PlanStore) Save(plan *planner.Plan, now time.Time) PlanRecord {
	rec := &PlanRecord{
		ID:        "plan_" + uuid.NewString(),
		Object:    "plan",
		CreatedAt: now.Unix(),
		Plan:      plan,
	}
	s.mu.Lock()
	s.plans[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.mu.Unlock()
	return *rec
}

func (s *PlanStore) Get(id string) (PlanRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.plans[id]
	if !ok {
		return PlanRecord{}, false
	}
	return *rec, true
}

func (s *PlanStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return false
	}
	delete(s.plans, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns stored ids oldest first.
func (s *PlanStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.order...)
}
