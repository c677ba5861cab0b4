package task

import "errors"

var ErrNotFound = errors.New("not found")

// Store is the persistence boundary for tasks. The web layer owns the real
// database; the evaluation core only needs these operations, so it talks
// through this interface and tests substitute the in-memory implementation.
type Store interface {
	GetTask(id string) (*Task, error)
	InsertTask(t *Task) error
	ListUploadTasks(uploadID string) ([]*Task, error)

	// UpdateTask loads the task, applies fn to a private copy and commits
	// the copy atomically. A status change that violates the transition
	// table, or any error from fn, aborts the whole update: no field is
	// persisted.
	UpdateTask(id string, fn func(*Task) error) (*Task, error)
}

// RankStore holds one leaderboard row per (user, competition).
type RankStore interface {
	GetRank(competition, userID string) (*Rank, error)
	ListRanks(competition string) ([]*Rank, error)
	UpsertRank(r *Rank) error
	DeleteRank(competition, userID string) error
}

// GraphStore records graph artifacts produced by finished runs.
type GraphStore interface {
	InsertGraph(g *Graph) error
	ListGraphs(taskID string) ([]*Graph, error)
	// UpdateGraphPath rewrites the stored path after a format conversion
	// replaced the file on disk.
	UpdateGraphPath(taskID string, typ GraphType, path string) error
}
