package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisOpTimeout   = 5 * time.Second
	updateTxAttempts = 10
)

// RedisStore is a Store/RankStore/GraphStore over a shared Redis, letting
// the web frontend and a fleet of evaluators see the same task state.
// UpdateTask uses an optimistic WATCH transaction so concurrent writers
// retry instead of clobbering each other.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func taskKey(id string) string              { return "cceval:task:" + id }
func uploadKey(uploadID string) string      { return "cceval:upload:" + uploadID }
func rankHashKey(competition string) string { return "cceval:ranks:" + competition }
func graphsKey(taskID string) string        { return "cceval:graphs:" + taskID }

func (s *RedisStore) GetTask(id string) (*Task, error) {
	ctx, cancel := opCtx()
	defer cancel()

	raw, err := s.rdb.Get(ctx, taskKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisStore) InsertTask(t *Task) error {
	ctx, cancel := opCtx()
	defer cancel()

	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	b, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	ok, err := s.rdb.SetNX(ctx, taskKey(t.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	if !ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	if err := s.rdb.SAdd(ctx, uploadKey(t.UploadID), t.ID).Err(); err != nil {
		return fmt.Errorf("index task %s under upload %s: %w", t.ID, t.UploadID, err)
	}
	return nil
}

func (s *RedisStore) ListUploadTasks(uploadID string) ([]*Task, error) {
	ctx, cancel := opCtx()
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, uploadKey(uploadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list upload %s: %w", uploadID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load upload %s tasks: %w", uploadID, err)
	}

	res := make([]*Task, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry with no task record; skip rather than fail the
			// whole upload view.
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", ids[i], err)
		}
		res = append(res, &t)
	}
	return res, nil
}

func (s *RedisStore) UpdateTask(id string, fn func(*Task) error) (*Task, error) {
	ctx, cancel := opCtx()
	defer cancel()

	key := taskKey(id)
	var updated *Task
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var cur Task
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return fmt.Errorf("decode task %s: %w", id, err)
		}

		next := cur
		if err := fn(&next); err != nil {
			return err
		}
		if next.Status != cur.Status {
			if err := CheckTransition(cur.Status, next.Status); err != nil {
				return err
			}
		}
		next.UpdatedAt = time.Now()

		b, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		if err == nil {
			updated = &next
		}
		return err
	}

	for i := 0; i < updateTxAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update task %s: too many concurrent writers", id)
}

func (s *RedisStore) GetRank(competition, userID string) (*Rank, error) {
	ctx, cancel := opCtx()
	defer cancel()

	raw, err := s.rdb.HGet(ctx, rankHashKey(competition), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("rank %s/%s: %w", competition, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rank %s/%s: %w", competition, userID, err)
	}
	var r Rank
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode rank %s/%s: %w", competition, userID, err)
	}
	return &r, nil
}

func (s *RedisStore) ListRanks(competition string) ([]*Rank, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.rdb.HGetAll(ctx, rankHashKey(competition)).Result()
	if err != nil {
		return nil, fmt.Errorf("list ranks %s: %w", competition, err)
	}
	res := make([]*Rank, 0, len(rows))
	for userID, raw := range rows {
		var r Rank
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode rank %s/%s: %w", competition, userID, err)
		}
		res = append(res, &r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Score > res[j].Score })
	return res, nil
}

func (s *RedisStore) UpsertRank(r *Rank) error {
	ctx, cancel := opCtx()
	defer cancel()

	cp := *r
	cp.UpdatedAt = time.Now()
	b, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode rank %s/%s: %w", r.Competition, r.UserID, err)
	}
	if err := s.rdb.HSet(ctx, rankHashKey(r.Competition), r.UserID, b).Err(); err != nil {
		return fmt.Errorf("upsert rank %s/%s: %w", r.Competition, r.UserID, err)
	}
	return nil
}

func (s *RedisStore) DeleteRank(competition, userID string) error {
	ctx, cancel := opCtx()
	defer cancel()

	n, err := s.rdb.HDel(ctx, rankHashKey(competition), userID).Result()
	if err != nil {
		return fmt.Errorf("delete rank %s/%s: %w", competition, userID, err)
	}
	if n == 0 {
		return fmt.Errorf("rank %s/%s: %w", competition, userID, ErrNotFound)
	}
	return nil
}

func (s *RedisStore) InsertGraph(g *Graph) error {
	ctx, cancel := opCtx()
	defer cancel()

	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode graph %s/%s: %w", g.TaskID, g.Type, err)
	}
	if err := s.rdb.HSet(ctx, graphsKey(g.TaskID), string(g.Type), b).Err(); err != nil {
		return fmt.Errorf("insert graph %s/%s: %w", g.TaskID, g.Type, err)
	}
	return nil
}

func (s *RedisStore) ListGraphs(taskID string) ([]*Graph, error) {
	ctx, cancel := opCtx()
	defer cancel()

	rows, err := s.rdb.HGetAll(ctx, graphsKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list graphs %s: %w", taskID, err)
	}
	res := make([]*Graph, 0, len(rows))
	for typ, raw := range rows {
		var g Graph
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			return nil, fmt.Errorf("decode graph %s/%s: %w", taskID, typ, err)
		}
		res = append(res, &g)
	}
	return res, nil
}

func (s *RedisStore) UpdateGraphPath(taskID string, typ GraphType, path string) error {
	ctx, cancel := opCtx()
	defer cancel()

	raw, err := s.rdb.HGet(ctx, graphsKey(taskID), string(typ)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("graph %s/%s: %w", taskID, typ, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get graph %s/%s: %w", taskID, typ, err)
	}
	var g Graph
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return fmt.Errorf("decode graph %s/%s: %w", taskID, typ, err)
	}
	g.Path = path
	b, err := json.Marshal(&g)
	if err != nil {
		return fmt.Errorf("encode graph %s/%s: %w", taskID, typ, err)
	}
	if err := s.rdb.HSet(ctx, graphsKey(taskID), string(typ), b).Err(); err != nil {
		return fmt.Errorf("update graph %s/%s: %w", taskID, typ, err)
	}
	return nil
}
