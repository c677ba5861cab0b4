// Package orchestrator drives one evaluation task through the
// copy-compile-run-parse-score pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/transhub/cceval/internal/competition"
	"github.com/transhub/cceval/internal/coordinator"
	"github.com/transhub/cceval/internal/rank"
	"github.com/transhub/cceval/internal/scorer"
	"github.com/transhub/cceval/internal/task"
	"github.com/transhub/cceval/internal/traceparse"
)

const (
	// controllerFilename is the canonical name the course Makefile compiles.
	controllerFilename = "controller.cc"
	// compileFailedMarker in the upload directory tells sibling tasks not
	// to retry a compilation that already failed.
	compileFailedMarker = "compile_failed"

	senderBinary   = "sender"
	receiverBinary = "receiver"

	// runRetryLimit bounds emulator-run retries before the task errors out.
	runRetryLimit = 3
)

// Orchestrator owns Task and Graph mutations for a task's lifetime. All
// dependencies are injected; it holds no global state.
type Orchestrator struct {
	tasks  task.Store
	graphs task.GraphStore
	coord  *coordinator.Coordinator
	ranks  *rank.Aggregator
	cfg    *competition.Config
	runner CommandRunner
	log    *slog.Logger

	// convertDelayGraph turns the oversized delay SVG into a PNG; empty
	// string skips the conversion step.
	convertDelayGraph string
}

func New(tasks task.Store, graphs task.GraphStore, coord *coordinator.Coordinator,
	ranks *rank.Aggregator, cfg *competition.Config, runner CommandRunner,
	log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		tasks:             tasks,
		graphs:            graphs,
		coord:             coord,
		ranks:             ranks,
		cfg:               cfg,
		runner:            runner,
		log:               log,
		convertDelayGraph: "cairosvg %s -o %s",
	}
}

// Execute runs one task end to end. The per-user lock is held for the whole
// pipeline and released on every exit path; any failure is captured into
// the task's error log and forces a terminal status. The error return is
// for the queue layer's bookkeeping only - user-visible failure lives on
// the task.
func (o *Orchestrator) Execute(ctx context.Context, taskID, username string) error {
	t, err := o.tasks.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	log := o.log.With("task", t.ID)
	if t.Status != task.StatusQueued {
		log.Info("task not queued, skipping delivery", "status", t.Status)
		return nil
	}

	release, err := o.coord.AcquireUserLock(ctx, t.UserID)
	if err != nil {
		o.forceError(t.ID, username, fmt.Errorf("acquire user lock: %w", err))
		return err
	}
	defer release()

	// Re-load under the lock: with at-least-once delivery a duplicate can
	// read QUEUED, park on the lock and wake up after the winner already
	// ran the task to completion. A replayed terminal task is a no-op,
	// never an error.
	t, err = o.tasks.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}
	if t.Status != task.StatusQueued {
		log.Info("task no longer queued, skipping duplicate delivery", "status", t.Status)
		return nil
	}

	err = o.pipeline(ctx, t, username, log)
	if err != nil {
		o.forceError(t.ID, username, err)
		log.Error("task failed", "err", err)
		return err
	}
	return nil
}

func (o *Orchestrator) pipeline(ctx context.Context, t *task.Task, username string, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in pipeline: %v", r)
		}
	}()

	comp, err := o.cfg.Competition(t.Competition)
	if err != nil {
		return err
	}
	trace, err := comp.Trace(t.TraceName)
	if err != nil {
		return err
	}

	uploadDir := filepath.Dir(t.Dir)
	senderPath := filepath.Join(uploadDir, senderBinary)
	receiverPath := filepath.Join(uploadDir, receiverBinary)

	// Compile failure is a handled terminal outcome (COMPILED_FAILED with
	// captured compiler output), not a pipeline error; ok=false stops here.
	ok, err := o.compile(ctx, t, comp, uploadDir, senderPath, receiverPath, username, log)
	if err != nil || !ok {
		return err
	}

	if err := os.MkdirAll(t.Dir, 0755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	resultPath := filepath.Join(t.Dir, t.TraceName+".log")

	port, err := o.coord.AcquirePort(ctx)
	if err != nil {
		return fmt.Errorf("allocate run port: %w", err)
	}
	defer func() {
		if relErr := o.coord.ReleasePort(context.Background(), port); relErr != nil {
			log.Error("failed to release port", "port", port, "err", relErr)
		}
	}()

	if _, err := o.transition(t.ID, task.StatusRunning, nil); err != nil {
		return err
	}

	if err := o.runEmulator(ctx, t, comp, port, senderPath, receiverPath, resultPath, log); err != nil {
		return err
	}

	result, err := o.parseResult(resultPath)
	if err != nil {
		return err
	}

	breakdown := scorer.Score(scorer.Input{
		ThroughputMbps:   result.ThroughputMbps,
		Delay95Ms:        result.Delay95Ms,
		LossRate:         result.LossRate,
		CapacityMbps:     result.CapacityMbps,
		InjectedLossRate: t.LossRate,
		OneWayDelayMs:    trace.DelayMs,
	}, trace.Weights, log)
	total := scorer.Round4(breakdown.Total)
	log.Info("score computed",
		"total", total,
		"throughput_score", breakdown.Throughput,
		"loss_score", breakdown.Loss,
		"delay_score", breakdown.Delay)

	if err := o.generateGraphs(ctx, t, resultPath, log); err != nil {
		return err
	}

	updated, err := o.transition(t.ID, task.StatusFinished, func(tk *task.Task) {
		tk.Score = total
		tk.ThroughputScore = scorer.Round4(breakdown.Throughput)
		tk.LossScore = scorer.Round4(breakdown.Loss)
		tk.DelayScore = scorer.Round4(breakdown.Delay)
		tk.AppendLog(result.Summary())
	})
	if err != nil {
		return err
	}

	// Rank update failing after FINISHED degrades the task to ERROR; the
	// FINISHED -> ERROR transition exists exactly for this.
	if err := o.ranks.OnTaskComplete(ctx, updated, username); err != nil {
		return fmt.Errorf("update rank: %w", err)
	}

	if err := o.archiveResult(resultPath, log); err != nil {
		log.Warn("failed to archive raw result log", "err", err)
	}
	o.cleanupBinaries(t, senderPath, receiverPath, log)

	log.Info("task completed", "score", total)
	return nil
}

// compile ensures the upload's sender/receiver binaries exist, building
// them in the shared course workspace when needed. Returns ok=false when
// the task reached a terminal compile status and the pipeline must stop
// without treating it as an orchestration error.
func (o *Orchestrator) compile(ctx context.Context, t *task.Task, comp *competition.Competition,
	uploadDir, senderPath, receiverPath, username string, log *slog.Logger) (bool, error) {

	if fileExists(senderPath) && fileExists(receiverPath) {
		log.Info("reusing binaries compiled by a sibling task")
		_, err := o.transition(t.ID, task.StatusCompiled, nil)
		return err == nil, err
	}

	markerPath := filepath.Join(uploadDir, compileFailedMarker)
	if fileExists(markerPath) {
		log.Warn("sibling task already failed compilation, not retrying")
		updated, err := o.transition(t.ID, task.StatusError, func(tk *task.Task) {
			tk.AppendLog("This submission failed to compile in another task of the same upload; see that task's log for compiler output.")
		})
		if err != nil {
			return false, err
		}
		writeErrorLog(updated, log)
		o.notifyCompletion(ctx, t.ID, username, log)
		return false, nil
	}

	if _, err := o.transition(t.ID, task.StatusCompiling, nil); err != nil {
		return false, err
	}

	// The course workspace is shared across ALL users of a competition:
	// everyone's source is staged as the same controller.cc. Serialize
	// stage+make+move so one user's run never gets another user's binary.
	releaseCompile, err := o.coord.AcquireCompileLock(ctx, t.Competition)
	if err != nil {
		return false, fmt.Errorf("acquire compile lock: %w", err)
	}
	defer releaseCompile()

	projectDir := filepath.Join(comp.ProjectDir, "project", "datagrump")
	src := filepath.Join(uploadDir, t.Algorithm+".cc")
	dst := filepath.Join(projectDir, controllerFilename)
	if err := copyFile(src, dst); err != nil {
		return false, fmt.Errorf("stage submission source: %w", err)
	}

	if _, err := o.runner.Run(ctx, projectDir, "make clean && make"); err != nil {
		var cmdErr *CmdError
		if !errors.As(err, &cmdErr) {
			return false, fmt.Errorf("run compiler: %w", err)
		}
		log.Error("compilation failed", "exit_code", cmdErr.Result.ExitCode)
		// Mark the upload so sibling tasks fail fast.
		if werr := os.WriteFile(markerPath, nil, 0644); werr != nil {
			log.Error("failed to write compile-failed marker", "err", werr)
		}
		updated, terr := o.transition(t.ID, task.StatusCompiledFailed, func(tk *task.Task) {
			tk.AppendLog("Compilation failed.\n" + cmdErr.Result.Output())
		})
		if terr != nil {
			return false, terr
		}
		writeErrorLog(updated, log)
		o.notifyCompletion(ctx, t.ID, username, log)
		return false, nil
	}

	if err := os.Rename(filepath.Join(projectDir, senderBinary), senderPath); err != nil {
		return false, fmt.Errorf("move sender binary: %w", err)
	}
	if err := os.Rename(filepath.Join(projectDir, receiverBinary), receiverPath); err != nil {
		return false, fmt.Errorf("move receiver binary: %w", err)
	}

	if _, err := o.transition(t.ID, task.StatusCompiled, nil); err != nil {
		return false, err
	}
	log.Info("compilation succeeded")
	return true, nil
}

// runEmulator invokes the contest script against the task's trace and
// environment, retrying transient failures up to the retry limit.
func (o *Orchestrator) runEmulator(ctx context.Context, t *task.Task, comp *competition.Competition,
	port int, senderPath, receiverPath, resultPath string, log *slog.Logger) error {

	projectDir := filepath.Join(comp.ProjectDir, "project", "datagrump")
	command := fmt.Sprintf("./run-contest.sh %d %s %s %s %s %s %v %d %d",
		port,
		comp.UplinkFile(t.TraceName), comp.DownlinkFile(t.TraceName),
		resultPath, senderPath, receiverPath,
		t.LossRate, t.BufferSize, t.Delay)

	var lastErr error
	for attempt := 1; attempt <= runRetryLimit; attempt++ {
		_, err := o.runner.Run(ctx, projectDir, command)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// Queue-level cancellation: no point retrying.
			break
		}
		log.Warn("emulator run failed, retrying", "attempt", attempt, "err", err)
	}
	return fmt.Errorf("emulator run failed after %d attempts: %w", runRetryLimit, lastErr)
}

func (o *Orchestrator) parseResult(resultPath string) (*traceparse.Result, error) {
	f, err := os.Open(resultPath)
	if err != nil {
		return nil, fmt.Errorf("open result log: %w", err)
	}
	defer f.Close()
	return traceparse.New().Parse(f)
}

// generateGraphs renders throughput and delay graphs with the emulator's
// companion tools and records them. The delay SVG is converted to PNG; the
// Graph record's path is rewritten to the replacement file.
func (o *Orchestrator) generateGraphs(ctx context.Context, t *task.Task, resultPath string, log *slog.Logger) error {
	throughputSvg := filepath.Join(t.Dir, t.TraceName+".throughput.svg")
	delaySvg := filepath.Join(t.Dir, t.TraceName+".delay.svg")
	delayPng := filepath.Join(t.Dir, t.TraceName+".delay.png")

	if _, err := o.runner.Run(ctx, t.Dir,
		fmt.Sprintf("mm-throughput-graph 500 %s > %s", resultPath, throughputSvg)); err != nil {
		return fmt.Errorf("render throughput graph: %w", err)
	}
	if err := o.graphs.InsertGraph(&task.Graph{
		TaskID: t.ID, Type: task.GraphThroughput, Path: throughputSvg,
	}); err != nil {
		return err
	}

	if _, err := o.runner.Run(ctx, t.Dir,
		fmt.Sprintf("mm-delay-graph %s > %s", resultPath, delaySvg)); err != nil {
		return fmt.Errorf("render delay graph: %w", err)
	}
	if err := o.graphs.InsertGraph(&task.Graph{
		TaskID: t.ID, Type: task.GraphDelay, Path: delaySvg,
	}); err != nil {
		return err
	}

	if o.convertDelayGraph != "" {
		// The delay SVG is huge; rasterize and drop the vector original.
		if _, err := o.runner.Run(ctx, t.Dir,
			fmt.Sprintf(o.convertDelayGraph, delaySvg, delayPng)); err != nil {
			return fmt.Errorf("convert delay graph: %w", err)
		}
		if err := os.Remove(delaySvg); err != nil {
			log.Warn("failed to remove delay svg after conversion", "err", err)
		}
		if err := o.graphs.UpdateGraphPath(t.ID, task.GraphDelay, delayPng); err != nil {
			return err
		}
	}
	return nil
}

// archiveResult compresses the raw tunnel log for retention and removes
// the uncompressed original.
func (o *Orchestrator) archiveResult(resultPath string, log *slog.Logger) error {
	src, err := os.Open(resultPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(resultPath + ".zst")
	if err != nil {
		return err
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := os.Remove(resultPath); err != nil {
		return err
	}
	log.Debug("archived raw result log", "path", resultPath+".zst")
	return nil
}

// cleanupBinaries removes the upload's compiled binaries once every task of
// the upload reached a terminal state; earlier siblings still need them.
func (o *Orchestrator) cleanupBinaries(t *task.Task, senderPath, receiverPath string, log *slog.Logger) {
	siblings, err := o.tasks.ListUploadTasks(t.UploadID)
	if err != nil {
		log.Error("failed to list upload tasks for cleanup", "err", err)
		return
	}
	for _, s := range siblings {
		switch s.Status {
		case task.StatusFinished, task.StatusError, task.StatusCompiledFailed, task.StatusNotQueued:
		default:
			return
		}
	}
	for _, p := range []string{senderPath, receiverPath} {
		if fileExists(p) {
			if err := os.Remove(p); err != nil {
				log.Warn("failed to remove binary", "path", p, "err", err)
			}
		}
	}
}

// transition applies a status change plus optional field updates as one
// atomic store update.
func (o *Orchestrator) transition(taskID string, to task.Status, mutate func(*task.Task)) (*task.Task, error) {
	return o.tasks.UpdateTask(taskID, func(tk *task.Task) error {
		if mutate != nil {
			mutate(tk)
		}
		tk.Status = to
		return nil
	})
}

// forceError captures the failure verbatim on the task and drives it to
// ERROR. Tasks already terminal are left alone.
func (o *Orchestrator) forceError(taskID, username string, cause error) {
	updated, err := o.tasks.UpdateTask(taskID, func(tk *task.Task) error {
		if tk.Status == task.StatusError {
			return fmt.Errorf("task already errored")
		}
		tk.AppendLog("Unexpected error, please report this to an administrator.\n" + cause.Error())
		tk.Status = task.StatusError
		return nil
	})
	if err != nil {
		o.log.Error("failed to force task to error", "task", taskID, "err", err)
		return
	}
	writeErrorLog(updated, o.log)
	if err := o.ranks.OnTaskComplete(context.Background(), updated, username); err != nil {
		o.log.Error("failed to update rank after task error", "task", taskID, "err", err)
	}
	uploadDir := filepath.Dir(updated.Dir)
	o.cleanupBinaries(updated,
		filepath.Join(uploadDir, senderBinary), filepath.Join(uploadDir, receiverBinary), o.log)
}

// notifyCompletion re-aggregates the rank after a compile-stage terminal
// status, where the normal completion path is skipped.
func (o *Orchestrator) notifyCompletion(ctx context.Context, taskID, username string, log *slog.Logger) {
	t, err := o.tasks.GetTask(taskID)
	if err != nil {
		log.Error("failed to reload task for rank update", "err", err)
		return
	}
	if err := o.ranks.OnTaskComplete(ctx, t, username); err != nil {
		log.Error("failed to update rank", "err", err)
	}
}

// writeErrorLog mirrors the captured error text into the task directory so
// a failed run can be inspected from the artifacts alone.
func writeErrorLog(t *task.Task, log *slog.Logger) {
	if t.Dir == "" || t.ErrorLog == "" {
		return
	}
	if err := os.MkdirAll(t.Dir, 0755); err != nil {
		log.Warn("failed to create task dir for error log", "err", err)
		return
	}
	if err := os.WriteFile(filepath.Join(t.Dir, "error.log"), []byte(t.ErrorLog), 0644); err != nil {
		log.Warn("failed to write error log file", "err", err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// Remove any stale controller left by a previous task.
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

