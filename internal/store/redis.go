package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"lsh.app/jobd/internal/model"
)

const (
	DefaultRedisPrefix = "jobd"

	maxWatchRetries = 5
)

// RedisStore keeps each job in a hash holding its JSON payload, an index of
// ids in a sorted set scored by creation time, and history in a capped list
// per job (newest at the head).
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	limit  int
}

func NewRedisStore(rdb *redis.Client, prefix string, limit int) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, limit: historyLimit(limit)}
}

func (s *RedisStore) jobKey(id string) string        { return fmt.Sprintf("%s:job:%s", s.prefix, id) }
func (s *RedisStore) indexKey() string               { return s.prefix + ":jobs" }
func (s *RedisStore) executionsKey(id string) string { return fmt.Sprintf("%s:executions:%s", s.prefix, id) }

func (s *RedisStore) Save(ctx context.Context, job *model.JobSpec) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.writeJob(ctx, pipe, job)
	})
	if err != nil {
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) writeJob(ctx context.Context, pipe redis.Pipeliner, job *model.JobSpec) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	pipe.HSet(ctx, s.jobKey(job.ID), "payload", data, "status", string(job.Status))
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	})
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.JobSpec, error) {
	data, err := s.rdb.HGet(ctx, s.jobKey(id), "payload").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return decodeJob(data)
}

func (s *RedisStore) List(ctx context.Context, filter model.JobFilter) ([]model.JobSpec, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing job ids: %w", err)
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.jobKey(id), "payload")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}

	jobs := []model.JobSpec{}
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			// index entry without a payload; Cleanup removes it
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading job: %w", err)
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(job) {
			jobs = append(jobs, *job)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

// Update applies u under WATCH so a concurrent writer forces a retry.
func (s *RedisStore) Update(ctx context.Context, id string, u model.JobUpdate) (*model.JobSpec, error) {
	key := s.jobKey(id)
	var updated *model.JobSpec

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, "payload").Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}
		u.Apply(job)
		job.UpdatedAt = time.Now().UTC()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeJob(ctx, pipe, job)
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("updating job %s: %w", id, err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("updating job %s: too much contention", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.jobKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		pipe.Del(ctx, s.executionsKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) SaveExecution(ctx context.Context, exec *model.JobExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encoding execution: %w", err)
	}
	key := s.executionsKey(exec.JobID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(s.limit-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}

func (s *RedisStore) GetExecutions(ctx context.Context, jobID string, limit int) ([]model.JobExecution, error) {
	if limit <= 0 {
		limit = s.limit
	}
	items, err := s.rdb.LRange(ctx, s.executionsKey(jobID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	execs := make([]model.JobExecution, 0, len(items))
	for _, item := range items {
		var exec model.JobExecution
		if err := json.Unmarshal([]byte(item), &exec); err != nil {
			return nil, fmt.Errorf("decoding execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

func (s *RedisStore) Cleanup(ctx context.Context) error {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("listing job ids: %w", err)
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		exists, err := s.rdb.Exists(ctx, s.jobKey(id)).Result()
		if err != nil {
			return fmt.Errorf("checking job %s: %w", id, err)
		}
		if exists == 0 {
			s.rdb.ZRem(ctx, s.indexKey(), id)
			continue
		}
		known[id] = true
	}

	prefix := s.executionsKey("")
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !known[strings.TrimPrefix(key, prefix)] {
			if err := s.rdb.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("deleting %s: %w", key, err)
			}
			continue
		}
		if err := s.rdb.LTrim(ctx, key, 0, int64(s.limit-1)).Err(); err != nil {
			return fmt.Errorf("trimming %s: %w", key, err)
		}
	}
	return iter.Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
