package sanitizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory StateStore that announces every write
type memStore struct {
	mu       sync.Mutex
	state    domain.State
	gets     atomic.Int64
	failGet  bool
	failSet  bool
	watchers []chan domain.StateChange
}

func newMemStore(state domain.State) *memStore {
	if state.Rules == nil {
		state.Rules = []domain.Rule{}
	}
	if state.Logs == nil {
		state.Logs = []domain.LogEntry{}
	}
	if state.Counters.LastReset == "" {
		state.Counters.LastReset = "2024-01-01"
	}
	return &memStore{state: state}
}

func (m *memStore) Get(ctx context.Context) (domain.State, error) {
	m.gets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return domain.State{}, errors.New("get failed")
	}
	return domain.StatePatch{Rules: &m.state.Rules, Logs: &m.state.Logs}.Apply(m.state), nil
}

func (m *memStore) Set(ctx context.Context, patch domain.StatePatch) error {
	m.mu.Lock()
	if m.failSet {
		m.mu.Unlock()
		return errors.New("set failed")
	}
	m.state = patch.Apply(m.state)
	watchers := append([]chan domain.StateChange(nil), m.watchers...)
	m.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- domain.StateChange{Keys: patch.Keys()}:
		default:
		}
	}
	return nil
}

func (m *memStore) Watch(ctx context.Context) (<-chan domain.StateChange, error) {
	ch := make(chan domain.StateChange, 16)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	out := make(chan domain.StateChange)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-ch:
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *memStore) snapshot() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.StatePatch{Rules: &m.state.Rules, Logs: &m.state.Logs}.Apply(m.state)
}

func (m *memStore) HealthCheck(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatus{Status: domain.HealthStatusHealthy}
}

func (m *memStore) GetStats(ctx context.Context) map[string]any { return map[string]any{} }

func (m *memStore) Close() error { return nil }

// mockHistory is a testify mock of HistoryDeleter
type mockHistory struct {
	mock.Mock
}

func (m *mockHistory) DeleteURL(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *mockHistory) HealthCheck(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatus{Status: domain.HealthStatusHealthy}
}

func rule(pattern string, t domain.RuleType, enabled bool) domain.Rule {
	return domain.Rule{ID: pattern, Pattern: pattern, Type: t, Enabled: enabled}
}
