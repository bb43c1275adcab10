package persephone

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunStore keeps the history of backtest results
type RunStore interface {
	// Save appends one result
	Save(ctx context.Context, result *BacktestResult) error

	// Recent returns up to count results, oldest first
	Recent(ctx context.Context, count int) ([]*BacktestResult, error)

	// Prune removes results older than the retention period
	Prune(ctx context.Context, retentionDays int) error

	// Close closes the storage backend
	Close() error
}

// RedisRunStore keeps results in a Redis sorted set scored by run time
type RedisRunStore struct {
	client *redis.Client
	key    string
}

func NewRedisRunStore(addr string, db int, password string) (*RedisRunStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRunStore{
		client: client,
		key:    "persephone:backtests",
	}, nil
}

func (s *RedisRunStore) Save(ctx context.Context, result *BacktestResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(result.RunAt.UnixMilli()),
		Member: data,
	}).Err()
}

func (s *RedisRunStore) Recent(ctx context.Context, count int) ([]*BacktestResult, error) {
	if count <= 0 {
		return []*BacktestResult{}, nil
	}

	members, err := s.client.ZRevRange(ctx, s.key, 0, int64(count-1)).Result()
	if err != nil {
		return nil, err
	}

	results := make([]*BacktestResult, 0, len(members))
	for _, data := range members {
		var result BacktestResult
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			continue // Skip malformed entries
		}
		results = append(results, &result)
	}

	// Newest first from Redis, flip to chronological
	for i := 0; i < len(results)/2; i++ {
		results[i], results[len(results)-1-i] = results[len(results)-1-i], results[i]
	}

	return results, nil
}

func (s *RedisRunStore) Prune(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	maxScore := fmt.Sprintf("(%d", cutoff.UnixMilli())

	return s.client.ZRemRangeByScore(ctx, s.key, "-inf", maxScore).Err()
}

func (s *RedisRunStore) Close() error {
	return s.client.Close()
}

// LocalRunStore keeps results in a JSON file
type LocalRunStore struct {
	file string
}

func NewLocalRunStore(dataDir string) (*LocalRunStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &LocalRunStore{
		file: filepath.Join(dataDir, "backtest_runs.json"),
	}, nil
}

func (s *LocalRunStore) Save(ctx context.Context, result *BacktestResult) error {
	existing, err := s.loadFromFile()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	existing = append(existing, result)
	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].RunAt.Before(existing[j].RunAt)
	})

	return s.saveToFile(existing)
}

func (s *LocalRunStore) Recent(ctx context.Context, count int) ([]*BacktestResult, error) {
	all, err := s.loadFromFile()
	if err != nil {
		if os.IsNotExist(err) {
			return []*BacktestResult{}, nil
		}
		return nil, err
	}

	if count <= 0 {
		return []*BacktestResult{}, nil
	}
	if len(all) <= count {
		return all, nil
	}
	return all[len(all)-count:], nil
}

func (s *LocalRunStore) Prune(ctx context.Context, retentionDays int) error {
	all, err := s.loadFromFile()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	kept := make([]*BacktestResult, 0, len(all))
	for _, result := range all {
		if !result.RunAt.Before(cutoff) {
			kept = append(kept, result)
		}
	}

	return s.saveToFile(kept)
}

func (s *LocalRunStore) Close() error {
	return nil
}

func (s *LocalRunStore) loadFromFile() ([]*BacktestResult, error) {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return nil, err
	}

	var results []*BacktestResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run history: %w", err)
	}
	return results, nil
}

func (s *LocalRunStore) saveToFile(results []*BacktestResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run history: %w", err)
	}

	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.file)
}
