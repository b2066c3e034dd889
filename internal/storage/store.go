package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// Backend names accepted by Open
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a StateStore backend
type Options struct {
	Backend       string
	FilePath      string
	SQLitePath    string
	WatchInterval time.Duration
	Redis         RedisOptions
}

// Open builds the configured StateStore
func Open(ctx context.Context, opts Options) (domain.StateStore, error) {
	switch opts.Backend {
	case BackendFile, "":
		return NewFileStore(opts.FilePath, opts.WatchInterval), nil
	case BackendSQLite:
		return NewSQLiteStore(opts.SQLitePath, opts.WatchInterval)
	case BackendRedis:
		client, err := ConnectRedis(ctx, opts.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, opts.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// fillDefaults replaces nil collections with empty ones and normalizes
// nothing else; migration-on-read is the owner's job so it can persist it.
func fillDefaults(s domain.State) domain.State {
	if s.Rules == nil {
		s.Rules = []domain.Rule{}
	}
	if s.Logs == nil {
		s.Logs = []domain.LogEntry{}
	}
	return s
}

// diffRevisions returns the keys whose revision differs between two snapshots
func diffRevisions[V comparable](prev, next map[domain.StateKey]V) []domain.StateKey {
	var changed []domain.StateKey
	for _, key := range domain.AllStateKeys {
		if prev[key] != next[key] {
			changed = append(changed, key)
		}
	}
	return changed
}

// pollChanges runs fetch every interval and emits the keys that changed
func pollChanges[V comparable](ctx context.Context, interval time.Duration, fetch func(context.Context) (map[domain.StateKey]V, error)) (<-chan domain.StateChange, error) {
	if interval <= 0 {
		interval = time.Second
	}

	prev, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StateChange, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			next, err := fetch(ctx)
			if err != nil {
				continue
			}
			changed := diffRevisions(prev, next)
			prev = next
			if len(changed) == 0 {
				continue
			}

			select {
			case out <- domain.StateChange{Keys: changed}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
