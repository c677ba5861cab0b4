package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrorLogMaxLen bounds the captured error log of one task. Student code can
// print arbitrary garbage; anything above the bound is truncated.
const ErrorLogMaxLen = 8000

// Task is one evaluation run of a submitted algorithm against a single
// trace + environment combination. All tasks of one submission share an
// UploadID.
type Task struct {
	ID       string `json:"id"`
	UploadID string `json:"upload_id"`
	UserID   string `json:"user_id"`

	Competition string `json:"competition"`
	Algorithm   string `json:"algorithm"`

	TraceName  string  `json:"trace_name"`
	LossRate   float64 `json:"loss_rate"`
	BufferSize int     `json:"buffer_size"`
	Delay      int     `json:"delay"` // configured one-way propagation delay, ms

	Dir string `json:"dir"` // per-upload task directory for artifacts

	Status   Status  `json:"status"`
	Score    float64 `json:"score"`
	ErrorLog string  `json:"error_log"`

	// Component scores kept alongside the weighted total.
	ThroughputScore float64 `json:"throughput_score"`
	LossScore       float64 `json:"loss_score"`
	DelayScore      float64 `json:"delay_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GraphType distinguishes the artifact kinds produced after a run.
type GraphType string

const (
	GraphThroughput GraphType = "throughput"
	GraphDelay      GraphType = "delay"
)

// Graph is an artifact record. Immutable after creation except for path
// rewrites when a format conversion replaces the file.
type Graph struct {
	TaskID string    `json:"task_id"`
	Type   GraphType `json:"type"`
	Path   string    `json:"path"`
}

// Rank is one leaderboard row per (user, competition), reflecting the
// user's most recent upload only.
type Rank struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Competition string    `json:"competition"`
	UploadID    string    `json:"upload_id"`
	Score       float64   `json:"score"`
	Algorithm   string    `json:"algorithm"`
	UploadTime  time.Time `json:"upload_time"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	pathPattern = regexp.MustCompile(`(/[^/\s]+)+/([^/\s]+)`)
	// Emulator invocations embed trace paths and ports students should not
	// see; strip everything after the command name.
	sensitiveCmds = []*regexp.Regexp{
		regexp.MustCompile(`(mm-link)[^']*`),
		regexp.MustCompile(`(mm-loss)[^']*`),
	}
)

// SanitizeLog hides absolute paths (keeping the file name) and emulator
// command arguments before the text is shown to the task owner.
func SanitizeLog(text string) string {
	text = pathPattern.ReplaceAllString(text, "[path_hidden]/$2")
	for _, re := range sensitiveCmds {
		text = re.ReplaceAllString(text, "$1 [command_hidden]")
	}
	return text
}

// AppendLog timestamps, sanitizes and appends one entry to the task's error
// log, truncating when the bound is exceeded. It mutates only the in-memory
// task; the caller persists through the store.
func (t *Task) AppendLog(entry string) {
	entry = SanitizeLog(entry)
	t.ErrorLog += fmt.Sprintf("[%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), entry)
	if len(t.ErrorLog) > ErrorLogMaxLen {
		cut := t.ErrorLog[:ErrorLogMaxLen-100]
		// do not split a multi-byte rune
		cut = strings.ToValidUTF8(cut, "")
		t.ErrorLog = cut + "...\nlog is too long and has been truncated."
	}
}

// UploadSummary is the folded view of all tasks sharing an upload.
type UploadSummary struct {
	UploadID    string
	Competition string
	Algorithm   string
	Status      Status
	Score       float64
	CreatedAt   time.Time
}

// SummarizeUpload folds tasks of one upload into a single status and score.
// The dominant (lowest-priority-number) status wins; a dominant
// ERROR/NOT_QUEUED/COMPILED_FAILED zeroes the score, a dominant FINISHED
// sums all finished tasks' scores. Order of tasks does not matter.
func SummarizeUpload(tasks []*Task) UploadSummary {
	sum := UploadSummary{}
	if len(tasks) == 0 {
		return sum
	}

	dominant := tasks[0].Status
	total := 0.0
	for _, t := range tasks {
		if t.Status.Priority() < dominant.Priority() {
			dominant = t.Status
		}
		if t.Status == StatusFinished {
			total += t.Score
		}
	}

	sum.UploadID = tasks[0].UploadID
	sum.Competition = tasks[0].Competition
	sum.Algorithm = tasks[0].Algorithm
	sum.CreatedAt = tasks[0].CreatedAt
	sum.Status = dominant
	switch dominant {
	case StatusFinished:
		sum.Score = total
	default:
		sum.Score = 0
	}
	return sum
}
