package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// RedisOptions configures the Redis connection and key layout
type RedisOptions struct {
	Addr           string
	Password       string
	DB             int
	KeyPrefix      string
	ConnectTimeout time.Duration // total time allowed for connection attempts
	RetryInterval  time.Duration // initial wait between retries, doubles up to MaxWait
	MaxWait        time.Duration
}

// ConnectRedis creates a client and pings it with exponential backoff until
// ConnectTimeout is exhausted.
func ConnectRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	log.Info().Str("addr", opts.Addr).Dur("timeout", opts.ConnectTimeout).Msg("Connecting to redis")

	wait := opts.RetryInterval
	for attempt := 1; ; attempt++ {
		err := client.Ping(ctx).Err()
		if err == nil {
			log.Info().Str("addr", opts.Addr).Int("attempts", attempt).Msg("Connected to redis")
			return client, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = client.Close()
			return nil, fmt.Errorf("redis unavailable at %s after %d attempts: %w", opts.Addr, attempt, err)
		case <-timer.C:
			log.Warn().Err(err).Str("addr", opts.Addr).Int("attempt", attempt).Dur("next_retry_in", wait).Msg("Redis connection failed, retrying")
			wait = min(wait*2, opts.MaxWait)
		}
	}
}

// RedisStore keeps each top-level key as a JSON string and announces writes
// on a pub/sub channel so every process sharing the keys can rebuild.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store using keys under prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(k domain.StateKey) string {
	return s.prefix + string(k)
}

func (s *RedisStore) changesChannel() string {
	return s.prefix + "changes"
}

// Get returns the persisted state with defaults for absent keys
func (s *RedisStore) Get(ctx context.Context) (domain.State, error) {
	keys := make([]string, len(domain.AllStateKeys))
	for i, k := range domain.AllStateKeys {
		keys[i] = s.key(k)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return domain.State{}, fmt.Errorf("failed to read state: %w", err)
	}

	state := domain.DefaultState(s.now())
	for i, k := range domain.AllStateKeys {
		raw, ok := values[i].(string)
		if !ok {
			continue
		}

		var target any
		switch k {
		case domain.KeyRules:
			target = &state.Rules
		case domain.KeyCounters:
			target = &state.Counters
		case domain.KeyLogs:
			target = &state.Logs
		}
		if err := json.Unmarshal([]byte(raw), target); err != nil {
			return domain.State{}, fmt.Errorf("failed to decode %s: %w", k, err)
		}
	}

	return fillDefaults(state), nil
}

// Set writes the patch in one MULTI/EXEC and publishes the changed keys
func (s *RedisStore) Set(ctx context.Context, patch domain.StatePatch) error {
	if patch.Empty() {
		return nil
	}

	encoded := make(map[domain.StateKey][]byte, 3)
	encode := func(k domain.StateKey, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", k, err)
		}
		encoded[k] = data
		return nil
	}
	if patch.Rules != nil {
		if err := encode(domain.KeyRules, *patch.Rules); err != nil {
			return err
		}
	}
	if patch.Counters != nil {
		if err := encode(domain.KeyCounters, *patch.Counters); err != nil {
			return err
		}
	}
	if patch.Logs != nil {
		if err := encode(domain.KeyLogs, *patch.Logs); err != nil {
			return err
		}
	}

	keys := patch.Keys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Set(ctx, s.key(k), encoded[k], 0)
		}
		pipe.Publish(ctx, s.changesChannel(), strings.Join(names, ","))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// Watch subscribes to the change channel
func (s *RedisStore) Watch(ctx context.Context) (<-chan domain.StateChange, error) {
	sub := s.client.Subscribe(ctx, s.changesChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.changesChannel(), err)
	}

	out := make(chan domain.StateChange, 8)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				change := parseChange(msg.Payload)
				if len(change.Keys) == 0 {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func parseChange(payload string) domain.StateChange {
	var change domain.StateChange
	for _, part := range strings.Split(payload, ",") {
		key := domain.StateKey(strings.TrimSpace(part))
		switch key {
		case domain.KeyRules, domain.KeyCounters, domain.KeyLogs:
			change.Keys = append(change.Keys, key)
		}
	}
	return change
}

// HealthCheck pings Redis
func (s *RedisStore) HealthCheck(ctx context.Context) domain.HealthStatus {
	status := domain.HealthStatusHealthy
	message := "Redis is reachable"
	details := map[string]any{"backend": BackendRedis, "prefix": s.prefix}

	if err := s.client.Ping(ctx).Err(); err != nil {
		status = domain.HealthStatusUnhealthy
		message = "Redis ping failed"
		details["error"] = err.Error()
	}

	return domain.HealthStatus{
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// GetStats returns storage statistics
func (s *RedisStore) GetStats(ctx context.Context) map[string]any {
	stats := map[string]any{"backend": BackendRedis, "prefix": s.prefix}
	pool := s.client.PoolStats()
	stats["pool_total_conns"] = pool.TotalConns
	stats["pool_idle_conns"] = pool.IdleConns
	stats["pool_timeouts"] = pool.Timeouts
	return stats
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
