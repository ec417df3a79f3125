package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

// memStore is an in-memory implementation of the stores the engine reads
// and writes, with switches to inject failures.
type memStore struct {
	mu sync.Mutex

	graph     *models.RuleGraph
	graphErr  error
	global    map[string]bool
	nodes     map[string]bool
	flagErr   error
	runs      []*models.Run
	findErr   error
	createErr error
	usage     map[string]int
	usageErr  error
	policy    *models.PolicyOverride
	signals   map[string]*models.Signal
	nextRunID int
}

func newMemStore() *memStore {
	return &memStore{
		global:  make(map[string]bool),
		nodes:   make(map[string]bool),
		usage:   make(map[string]int),
		signals: make(map[string]*models.Signal),
	}
}

func (s *memStore) GetActiveRuleGraph(ctx context.Context, teamID string) (*models.RuleGraph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graphErr != nil {
		return nil, s.graphErr
	}
	if s.graph == nil || s.graph.TeamID != teamID {
		return nil, repository.ErrNotFound
	}
	g := *s.graph
	return &g, nil
}

func (s *memStore) SaveRuleGraph(ctx context.Context, graph *models.RuleGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = graph
	return nil
}

func (s *memStore) GetGlobalFlag(ctx context.Context, teamID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flagErr != nil {
		return false, s.flagErr
	}
	return s.global[teamID], nil
}

func (s *memStore) SetGlobalFlag(ctx context.Context, teamID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global[teamID] = enabled
	return nil
}

func (s *memStore) GetNodeFlag(ctx context.Context, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flagErr != nil {
		return false, s.flagErr
	}
	return s.nodes[nodeID], nil
}

func (s *memStore) SetNodeFlag(ctx context.Context, nodeID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[nodeID] = enabled
	return nil
}

func (s *memStore) CreateRun(ctx context.Context, run *models.Run) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	if !run.DryRun && run.IdempotencyKey != "" {
		for _, r := range s.runs {
			if !r.DryRun && r.TeamID == run.TeamID && r.IdempotencyKey == run.IdempotencyKey {
				return "", repository.ErrDuplicate
			}
		}
	}
	s.nextRunID++
	stored := *run
	stored.ID = fmt.Sprintf("run-%d", s.nextRunID)
	stored.Status = models.RunProcessing
	s.runs = append(s.runs, &stored)
	run.ID = stored.ID
	return stored.ID, nil
}

func (s *memStore) UpdateRun(ctx context.Context, runID string, update models.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID != runID {
			continue
		}
		if !r.Status.CanTransition(update.Status) {
			return repository.ErrRunFinalized
		}
		r.Status = update.Status
		r.Context = update.Context
		t := update.CompletedAt
		r.CompletedAt = &t
		return nil
	}
	return repository.ErrNotFound
}

func (s *memStore) FindRunByIdempotencyKey(ctx context.Context, teamID string, trigger models.TriggerType, key string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, r := range s.runs {
		if !r.DryRun && r.TeamID == teamID && r.TriggerType == trigger && r.IdempotencyKey == key {
			c := *r
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memStore) ListRuns(ctx context.Context, teamID string, limit int) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Run
	for _, r := range s.runs {
		if r.TeamID == teamID {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) IncrementUsage(ctx context.Context, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageErr != nil {
		return s.usageErr
	}
	s.usage[teamID]++
	return nil
}

func (s *memStore) GetUsage(ctx context.Context, teamID string) (*models.TeamUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.TeamUsage{TeamID: teamID, AutomationCount: int64(s.usage[teamID])}, nil
}

func (s *memStore) GetPolicyOverride(ctx context.Context, teamID string) (*models.PolicyOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy == nil {
		return nil, repository.ErrNotFound
	}
	p := *s.policy
	return &p, nil
}

func (s *memStore) SaveSignal(ctx context.Context, signal *models.Signal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signals[signal.ID]; ok {
		return false, nil
	}
	c := *signal
	s.signals[signal.ID] = &c
	return true, nil
}

func (s *memStore) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *sig
	return &c, nil
}

func (s *memStore) allRuns() []models.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	return out
}

func (s *memStore) usageOf(teamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[teamID]
}

var errStoreDown = errors.New("store unavailable")

type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Classify(ctx context.Context, req models.ClassificationRequest) (*models.Classification, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Classification), args.Error(1)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Execute(ctx context.Context, teamID string, action models.ActionType, params map[string]any) models.ActionResult {
	args := m.Called(ctx, teamID, action, params)
	return args.Get(0).(models.ActionResult)
}

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Retrieve(ctx context.Context, teamID, text string) ([]models.Snippet, error) {
	args := m.Called(ctx, teamID, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Snippet), args.Error(1)
}

func matchNode(nodeID string, confidence float64, rationale string) *models.Classification {
	return &models.Classification{Match: true, NodeID: &nodeID, Confidence: confidence, Rationale: rationale}
}
