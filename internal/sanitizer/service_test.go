package sanitizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/freewebtopdf/history-sanitizer/internal/cache"
	"github.com/freewebtopdf/history-sanitizer/internal/domain"
	"github.com/freewebtopdf/history-sanitizer/internal/history"
	"github.com/freewebtopdf/history-sanitizer/internal/matcher"
)

func startService(t *testing.T, store *memStore, deleter domain.HistoryDeleter, opts Options) *Service {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	svc := New(store, deleter, cache.NewLRUCache(100), opts)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestOnVisited_MatchDeletesCountsAndLogs(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("test.com", domain.RuleTypeDomain, true)}})
	deleter := history.NewDryRunHistory()
	svc := startService(t, store, deleter, Options{})

	out := svc.OnVisited(context.Background(), "https://sub.test.com/path?x=1")

	assert.True(t, out.Matched)
	assert.True(t, out.Deleted)
	assert.Equal(t, "test.com", out.RuleID)
	assert.Equal(t, []string{"https://sub.test.com/path?x=1"}, deleter.Deleted())

	state := store.snapshot()
	assert.Equal(t, 1, state.Counters.DeletedCount)
	require.Len(t, state.Logs, 1)
	assert.Equal(t, "https://sub.test.com/path?x=1", state.Logs[0].URL)
	assert.Equal(t, domain.SourceVisited, state.Logs[0].Source)
	assert.Equal(t, fixedNow.UnixMilli(), state.Logs[0].TS)
}

func TestOnVisited_DisabledRuleDoesNothing(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("test.com", domain.RuleTypeDomain, false)}})
	deleter := &mockHistory{}
	svc := startService(t, store, deleter, Options{})

	out := svc.OnVisited(context.Background(), "https://sub.test.com/path?x=1")

	assert.False(t, out.Matched)
	assert.False(t, out.Deleted)
	deleter.AssertNotCalled(t, "DeleteURL", mock.Anything, mock.Anything)
	assert.Equal(t, 0, store.snapshot().Counters.DeletedCount)
	assert.Empty(t, store.snapshot().Logs)
}

func TestOnVisited_FailedDeletionRecordsNothing(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("tracker", domain.RuleTypeKeyword, true)}})
	deleter := &mockHistory{}
	deleter.On("DeleteURL", mock.Anything, "https://a.com/?tracker=1").Return(errors.New("history locked"))
	svc := startService(t, store, deleter, Options{})

	out := svc.OnVisited(context.Background(), "https://a.com/?tracker=1")

	assert.True(t, out.Matched)
	assert.False(t, out.Deleted)
	deleter.AssertExpectations(t)
	assert.Equal(t, 0, store.snapshot().Counters.DeletedCount)
	assert.Empty(t, store.snapshot().Logs)
	assert.Equal(t, int64(1), svc.GetStats(context.Background())["deletion_failures"])
}

func TestOnVisited_FastPathSkipsStateReads(t *testing.T) {
	store := newMemStore(domain.State{})
	deleter := &mockHistory{}
	svc := startService(t, store, deleter, Options{})
	before := store.gets.Load()

	assert.Equal(t, domain.Outcome{}, svc.OnVisited(context.Background(), "https://a.com/"))
	assert.Equal(t, domain.Outcome{}, svc.OnVisited(context.Background(), ""))
	assert.Equal(t, before, store.gets.Load())
	deleter.AssertNotCalled(t, "DeleteURL", mock.Anything, mock.Anything)
}

func TestOnVisited_ConcurrentDeletionsAreNotLost(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("example.com", domain.RuleTypeDomain, true)}})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.OnVisited(context.Background(), "https://example.com/page")
		}()
	}
	wg.Wait()

	state := store.snapshot()
	assert.Equal(t, n, state.Counters.DeletedCount)
	assert.Len(t, state.Logs, n)
}

func TestOnVisited_PersistFailureStillReportsDeletion(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("example.com", domain.RuleTypeDomain, true)}})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})
	store.mu.Lock()
	store.failSet = true
	store.mu.Unlock()

	out := svc.OnVisited(context.Background(), "https://example.com/")
	assert.True(t, out.Deleted)
	assert.Equal(t, int64(1), svc.GetStats(context.Background())["persist_failures"])
}

func TestOnVisited_UsesVerdictCache(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("example.com", domain.RuleTypeDomain, true)}})
	verdicts := cache.NewLRUCache(10)
	svc := New(store, history.NewDryRunHistory(), verdicts, Options{Now: func() time.Time { return fixedNow }})
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()

	svc.OnVisited(context.Background(), "https://example.com/")
	svc.OnVisited(context.Background(), "https://example.com/")

	assert.Equal(t, int64(1), verdicts.Stats().Hits)
	assert.Equal(t, 2, store.snapshot().Counters.DeletedCount)

	// A rule change invalidates cached verdicts
	require.NoError(t, svc.ToggleRule(context.Background(), 0))
	assert.Equal(t, 0, verdicts.Stats().Size)
	assert.False(t, svc.OnVisited(context.Background(), "https://example.com/").Matched)
}

func TestOnNavigationCommitted(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("example.com", domain.RuleTypeDomain, true)}})
	deleter := history.NewDryRunHistory()
	svc := New(store, deleter, nil, Options{CommitDelay: 20 * time.Millisecond, Now: func() time.Time { return fixedNow }})
	require.NoError(t, svc.Start(context.Background()))

	assert.False(t, svc.OnNavigationCommitted("https://example.com/", 3), "subframes are ignored")
	assert.False(t, svc.OnNavigationCommitted("", 0))
	assert.True(t, svc.OnNavigationCommitted("https://example.com/", 0))

	// Nothing happens before the delay
	assert.Empty(t, deleter.Deleted())

	require.NoError(t, svc.Close())
	assert.Equal(t, []string{"https://example.com/"}, deleter.Deleted())

	state := store.snapshot()
	require.Len(t, state.Logs, 1)
	assert.Equal(t, domain.SourceCommitted, state.Logs[0].Source)

	assert.False(t, svc.OnNavigationCommitted("https://example.com/", 0), "closed service schedules nothing")
}

func TestBothEventSourcesMayDoubleCount(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("example.com", domain.RuleTypeDomain, true)}})
	svc := New(store, history.NewDryRunHistory(), nil, Options{CommitDelay: 0, Now: func() time.Time { return fixedNow }})
	require.NoError(t, svc.Start(context.Background()))

	svc.OnVisited(context.Background(), "https://example.com/")
	svc.OnNavigationCommitted("https://example.com/", 0)
	require.NoError(t, svc.Close())

	state := store.snapshot()
	assert.Equal(t, 2, state.Counters.DeletedCount)
	assert.Len(t, state.Logs, 2)
}

func TestAddRule(t *testing.T) {
	store := newMemStore(domain.State{})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})
	ctx := context.Background()

	require.NoError(t, svc.AddRule(ctx, "   ", "domain"))
	assert.Empty(t, store.snapshot().Rules)

	require.NoError(t, svc.AddRule(ctx, "  example.com ", "domain"))
	require.NoError(t, svc.AddRule(ctx, "tracker", "regex"))
	require.NoError(t, svc.AddRule(ctx, "tracker", "keyword"))

	rules := store.snapshot().Rules
	require.Len(t, rules, 3)
	assert.Equal(t, "example.com", rules[0].Pattern)
	assert.Equal(t, domain.RuleTypeDomain, rules[0].Type)
	assert.True(t, rules[0].Enabled)
	assert.Equal(t, domain.RuleTypeKeyword, rules[1].Type, "unknown types become keyword")
	assert.Equal(t, rules[1].Pattern, rules[2].Pattern, "duplicates are kept")
	assert.NotEqual(t, rules[1].ID, rules[2].ID)

	// The new rule is active without a restart
	assert.True(t, svc.OnVisited(ctx, "https://www.example.com/a").Matched)
}

func TestAddPageRule(t *testing.T) {
	store := newMemStore(domain.State{})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})
	ctx := context.Background()

	require.NoError(t, svc.AddPageRule(ctx, "https://www.example.com/a?b=1", domain.RuleTypeDomain))
	require.NoError(t, svc.AddPageRule(ctx, "https://news.site.org/story", domain.RuleTypeKeyword))
	require.NoError(t, svc.AddPageRule(ctx, "", domain.RuleTypeDomain))
	require.NoError(t, svc.AddPageRule(ctx, "https://WWW.Shop.Example.org/page", domain.RuleTypeDomain))

	err := svc.AddPageRule(ctx, "not a url", domain.RuleTypeDomain)
	assert.True(t, domain.IsValidationError(err))

	rules := store.snapshot().Rules
	require.Len(t, rules, 3)
	assert.Equal(t, "example.com", rules[0].Pattern)
	assert.Equal(t, domain.RuleTypeDomain, rules[0].Type)
	assert.Equal(t, "https://news.site.org/story", rules[1].Pattern)
	assert.Equal(t, domain.RuleTypeKeyword, rules[1].Type)
	// hostnames are lowercased before the www. prefix is dropped
	assert.Equal(t, "shop.example.org", rules[2].Pattern)
	assert.True(t, svc.OnVisited(ctx, "https://shop.example.org/").Matched)
}

func TestRemoveRule(t *testing.T) {
	rules := []domain.Rule{
		rule("r0", domain.RuleTypeKeyword, true),
		rule("r1", domain.RuleTypeKeyword, true),
		rule("r2", domain.RuleTypeKeyword, true),
		rule("r3", domain.RuleTypeKeyword, true),
		rule("r4", domain.RuleTypeKeyword, true),
	}
	store := newMemStore(domain.State{Rules: rules})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})
	ctx := context.Background()

	require.NoError(t, svc.RemoveRule(ctx, 2))

	got := store.snapshot().Rules
	require.Len(t, got, 4)
	assert.Equal(t, []string{"r0", "r1", "r3", "r4"}, patterns(got))

	require.NoError(t, svc.RemoveRule(ctx, 4))
	require.NoError(t, svc.RemoveRule(ctx, -1))
	assert.Len(t, store.snapshot().Rules, 4)

	assert.False(t, svc.OnVisited(ctx, "https://x.com/?r2").Matched)
	assert.True(t, svc.OnVisited(ctx, "https://x.com/?r3").Matched)
}

func TestToggleRule(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("example.com", domain.RuleTypeDomain, true)}})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})
	ctx := context.Background()

	require.NoError(t, svc.ToggleRule(ctx, 0))
	assert.False(t, store.snapshot().Rules[0].Enabled)
	assert.False(t, svc.OnVisited(ctx, "https://example.com/").Matched)

	require.NoError(t, svc.ToggleRule(ctx, 0))
	assert.True(t, store.snapshot().Rules[0].Enabled)
	assert.True(t, svc.OnVisited(ctx, "https://example.com/").Matched)

	require.NoError(t, svc.ToggleRule(ctx, 7))
	assert.Len(t, store.snapshot().Rules, 1)
}

func TestResetCounterAndClearLogs(t *testing.T) {
	store := newMemStore(domain.State{
		Counters: domain.Counters{DeletedCount: 9, LastReset: "2023-12-01T08:00:00.000Z"},
		Logs:     []domain.LogEntry{{URL: "https://a.com/", Source: domain.SourceVisited, TS: 1}},
	})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})
	ctx := context.Background()

	require.NoError(t, svc.ResetCounter(ctx))
	counters := store.snapshot().Counters
	assert.Equal(t, 0, counters.DeletedCount)
	assert.Equal(t, "2024-06-15", counters.LastReset)
	assert.Len(t, counters.LastReset, 10)
	assert.Len(t, store.snapshot().Logs, 1, "reset leaves logs alone")

	require.NoError(t, svc.ClearLogs(ctx))
	assert.Empty(t, store.snapshot().Logs)
	assert.NotNil(t, store.snapshot().Logs)
}

func TestGetState_MigratesLegacyLastReset(t *testing.T) {
	store := newMemStore(domain.State{Counters: domain.Counters{DeletedCount: 4, LastReset: "2024-01-15T10:30:00.000Z"}})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})

	view, err := svc.GetState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2024-01-15", view.Counters.LastReset)
	assert.Equal(t, 4, view.Counters.DeletedCount)
	assert.Equal(t, "2024-01-15", store.snapshot().Counters.LastReset, "migration is persisted")
}

func TestGetState_Last30CountInclusiveBoundary(t *testing.T) {
	boundary := fixedNow.Add(-domain.LogRetentionWindow).UnixMilli()
	store := newMemStore(domain.State{Logs: []domain.LogEntry{
		{URL: "https://a/", TS: boundary - 1},
		{URL: "https://b/", TS: boundary},
		{URL: "https://c/", TS: fixedNow.UnixMilli()},
		{URL: "https://d/", TS: fixedNow.UnixMilli() + 1},
	}})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})

	view, err := svc.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, view.Last30Count)
	assert.Len(t, view.Logs, 4)
}

func TestExportState(t *testing.T) {
	rules := []domain.Rule{rule("example.com", domain.RuleTypeDomain, true)}
	store := newMemStore(domain.State{Rules: rules, Counters: domain.Counters{DeletedCount: 2, LastReset: "2024-05-01"}})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})

	state, err := svc.ExportState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rules, state.Rules)
	assert.Equal(t, 2, state.Counters.DeletedCount)
}

func TestCommands_StorageFailure(t *testing.T) {
	store := newMemStore(domain.State{})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})
	store.mu.Lock()
	store.failGet = true
	store.failSet = true
	store.mu.Unlock()
	ctx := context.Background()

	_, err := svc.GetState(ctx)
	assert.True(t, domain.IsStorageError(err))
	assert.True(t, domain.IsStorageError(svc.AddRule(ctx, "a.com", "domain")))
	assert.True(t, domain.IsStorageError(svc.ResetCounter(ctx)))
	assert.True(t, domain.IsStorageError(svc.ClearLogs(ctx)))
}

func TestExternalRuleChangeRebuilds(t *testing.T) {
	store := newMemStore(domain.State{})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})

	rules := []domain.Rule{rule("example.com", domain.RuleTypeDomain, true)}
	require.NoError(t, store.Set(context.Background(), domain.StatePatch{Rules: &rules}))

	assert.Eventually(t, func() bool {
		return svc.current().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthAndStats(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{rule("example.com", domain.RuleTypeDomain, true)}})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})

	health := svc.HealthCheck(context.Background())
	assert.Equal(t, domain.HealthStatusHealthy, health.Status)
	assert.Equal(t, 1, health.Details["active_rules"])

	stats := svc.GetStats(context.Background())
	assert.Contains(t, stats, "rule_set")
	assert.Contains(t, stats, "cache")
}

func TestHealth_DegradedWhenARuleFailsToCompile(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{
		rule("bad\xffpattern", domain.RuleTypeKeyword, true),
		rule("example.com", domain.RuleTypeDomain, true),
	}})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})
	ctx := context.Background()

	health := svc.HealthCheck(ctx)
	assert.Equal(t, domain.HealthStatusDegraded, health.Status)
	assert.Equal(t, 1, health.Details["active_rules"])
	failures, ok := health.Details["failures"].([]matcher.CompileError)
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, 0, failures[0].Index)

	out := svc.OnVisited(ctx, "https://www.example.com/a")
	assert.True(t, out.Matched)
	assert.True(t, out.Deleted)
	assert.Equal(t, "example.com", out.RuleID)
}

func TestStart_PersistsIDsForRulesWithoutOne(t *testing.T) {
	store := newMemStore(domain.State{Rules: []domain.Rule{
		{Pattern: "example.com", Type: domain.RuleTypeDomain, Enabled: true},
	}})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})
	ctx := context.Background()

	persisted := store.snapshot().Rules
	require.Len(t, persisted, 1)
	require.NotEmpty(t, persisted[0].ID)

	first := svc.OnVisited(ctx, "https://example.com/a")
	second := svc.OnVisited(ctx, "https://example.com/b")
	assert.Equal(t, persisted[0].ID, first.RuleID)
	assert.Equal(t, first.RuleID, second.RuleID)

	view, err := svc.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, persisted[0].ID, view.Rules[0].ID)
}

func TestExternalRulesWithoutIDsGetStableIDs(t *testing.T) {
	store := newMemStore(domain.State{})
	svc := startService(t, store, history.NewDryRunHistory(), Options{})

	rules := []domain.Rule{{Pattern: "tracker", Type: domain.RuleTypeKeyword, Enabled: true}}
	require.NoError(t, store.Set(context.Background(), domain.StatePatch{Rules: &rules}))

	assert.Eventually(t, func() bool {
		got := store.snapshot().Rules
		return len(got) == 1 && got[0].ID != "" && svc.current().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	id := store.snapshot().Rules[0].ID
	out := svc.OnVisited(context.Background(), "https://cdn.example.com/tracker.js")
	assert.Equal(t, id, out.RuleID)
}

func TestHealth_NotStarted(t *testing.T) {
	svc := New(newMemStore(domain.State{}), history.NewDryRunHistory(), nil, Options{})
	assert.Equal(t, domain.HealthStatusUnhealthy, svc.HealthCheck(context.Background()).Status)
}

func patterns(rules []domain.Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Pattern
	}
	return out
}
