package task_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transhub/cceval/internal/task"
)

var allStatuses = []task.Status{
	task.StatusQueued, task.StatusCompiling, task.StatusCompiled,
	task.StatusCompiledFailed, task.StatusRunning, task.StatusFinished,
	task.StatusError, task.StatusNotQueued,
}

func TestLegalTransitions(t *testing.T) {
	legal := map[task.Status][]task.Status{
		task.StatusQueued:         {task.StatusCompiling, task.StatusError, task.StatusCompiled},
		task.StatusCompiling:      {task.StatusCompiled, task.StatusError, task.StatusCompiledFailed},
		task.StatusCompiled:       {task.StatusRunning, task.StatusError},
		task.StatusRunning:        {task.StatusFinished, task.StatusError},
		task.StatusFinished:       {task.StatusError},
		task.StatusCompiledFailed: {task.StatusError},
		task.StatusError:          {},
		task.StatusNotQueued:      {},
	}

	for from, allowed := range legal {
		allowedSet := map[task.Status]bool{}
		for _, to := range allowed {
			allowedSet[to] = true
			assert.NoError(t, task.CheckTransition(from, to), "%s -> %s should be legal", from, to)
		}
		for _, to := range allStatuses {
			if !allowedSet[to] {
				err := task.CheckTransition(from, to)
				assert.ErrorIs(t, err, task.ErrInvalidTransition, "%s -> %s should be illegal", from, to)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, task.StatusError.Terminal())
	assert.True(t, task.StatusNotQueued.Terminal())
	assert.False(t, task.StatusCompiledFailed.Terminal()) // may still move to ERROR
	assert.False(t, task.StatusFinished.Terminal())
}

func TestUpdateRejectsIllegalTransitionUnchanged(t *testing.T) {
	store := task.NewMemStore()
	orig := &task.Task{
		ID:       "t1",
		UploadID: "u1",
		Status:   task.StatusQueued,
		Score:    0,
	}
	require.NoError(t, store.InsertTask(orig))

	// Attempt QUEUED -> FINISHED with a score change. The whole update
	// must be rejected, score included.
	_, err := store.UpdateTask("t1", func(tk *task.Task) error {
		tk.Status = task.StatusFinished
		tk.Score = 42
		return nil
	})
	require.ErrorIs(t, err, task.ErrInvalidTransition)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, 0.0, got.Score)
}

func TestPriorityOrdering(t *testing.T) {
	want := []task.Status{
		task.StatusCompiledFailed, task.StatusError, task.StatusNotQueued,
		task.StatusCompiled, task.StatusCompiling, task.StatusRunning,
		task.StatusQueued, task.StatusFinished,
	}
	for i, s := range want {
		assert.Equal(t, i, s.Priority(), "priority of %s", s)
	}
}

func TestSummarizeUpload(t *testing.T) {
	finished := func(score float64) *task.Task {
		return &task.Task{UploadID: "u1", Status: task.StatusFinished, Score: score}
	}

	sum := task.SummarizeUpload([]*task.Task{finished(12.5), finished(7.5)})
	assert.Equal(t, task.StatusFinished, sum.Status)
	assert.InDelta(t, 20.0, sum.Score, 1e-9)

	// An ERROR task dominates and zeroes the score, regardless of order.
	errored := &task.Task{UploadID: "u1", Status: task.StatusError}
	orders := [][]*task.Task{
		{finished(12.5), finished(7.5), errored},
		{errored, finished(12.5), finished(7.5)},
		{finished(12.5), errored, finished(7.5)},
	}
	for _, tasks := range orders {
		sum := task.SummarizeUpload(tasks)
		assert.Equal(t, task.StatusError, sum.Status)
		assert.Equal(t, 0.0, sum.Score)
	}

	// COMPILED_FAILED dominates even over ERROR.
	sum = task.SummarizeUpload([]*task.Task{
		errored, {UploadID: "u1", Status: task.StatusCompiledFailed},
	})
	assert.Equal(t, task.StatusCompiledFailed, sum.Status)
	assert.Equal(t, 0.0, sum.Score)
}

func TestSanitizeLog(t *testing.T) {
	in := "Died on std::runtime_error: `mm-link /data/traces/Verizon-LTE-140.down trace.up --once' failed in /home/worker/uploads/abc/task.log"
	out := task.SanitizeLog(in)
	assert.NotContains(t, out, "/data/traces")
	assert.Contains(t, out, "mm-link [command_hidden]")
}

func TestAppendLogTruncates(t *testing.T) {
	tk := &task.Task{ID: "t1"}
	for i := 0; i < 200; i++ {
		tk.AppendLog("some fairly long diagnostic line that repeats over and over again")
	}
	assert.LessOrEqual(t, len(tk.ErrorLog), task.ErrorLogMaxLen)
	assert.Contains(t, tk.ErrorLog, "truncated")
}
