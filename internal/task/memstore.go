package task

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store/RankStore/GraphStore. It backs tests and
// single-node deployments where the web layer owns the durable database.
type MemStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	ranks  map[string]*Rank // key: competition + "/" + userID
	graphs []*Graph
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasks: make(map[string]*Task),
		ranks: make(map[string]*Rank),
	}
}

func (s *MemStore) GetTask(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) InsertTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemStore) ListUploadTasks(uploadID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*Task
	for _, t := range s.tasks {
		if t.UploadID == uploadID {
			cp := *t
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemStore) UpdateTask(id string, fn func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	cp := *cur
	if err := fn(&cp); err != nil {
		return nil, err
	}
	if cp.Status != cur.Status {
		if err := CheckTransition(cur.Status, cp.Status); err != nil {
			return nil, err
		}
	}
	cp.UpdatedAt = time.Now()
	s.tasks[id] = &cp
	out := cp
	return &out, nil
}

func rankKey(competition, userID string) string {
	return competition + "/" + userID
}

func (s *MemStore) GetRank(competition, userID string) (*Rank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ranks[rankKey(competition, userID)]
	if !ok {
		return nil, fmt.Errorf("rank %s/%s: %w", competition, userID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) ListRanks(competition string) ([]*Rank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*Rank
	for _, r := range s.ranks {
		if r.Competition == competition {
			cp := *r
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Score > res[j].Score })
	return res, nil
}

func (s *MemStore) UpsertRank(r *Rank) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.UpdatedAt = time.Now()
	s.ranks[rankKey(r.Competition, r.UserID)] = &cp
	return nil
}

func (s *MemStore) DeleteRank(competition, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rankKey(competition, userID)
	if _, ok := s.ranks[key]; !ok {
		return fmt.Errorf("rank %s/%s: %w", competition, userID, ErrNotFound)
	}
	delete(s.ranks, key)
	return nil
}

func (s *MemStore) InsertGraph(g *Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.graphs = append(s.graphs, &cp)
	return nil
}

func (s *MemStore) ListGraphs(taskID string) ([]*Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*Graph
	for _, g := range s.graphs {
		if g.TaskID == taskID {
			cp := *g
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *MemStore) UpdateGraphPath(taskID string, typ GraphType, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.graphs {
		if g.TaskID == taskID && g.Type == typ {
			g.Path = path
			return nil
		}
	}
	return fmt.Errorf("graph %s/%s: %w", taskID, typ, ErrNotFound)
}
