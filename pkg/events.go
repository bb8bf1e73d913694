package lumisync

import (
	"context"
	"time"
)

// A Job is created when an Action is received by the system.
// Jobs are passed through the LumiSync service and result in
// a Change being sent to the client via websockets.
type Job struct {
	A       Action
	ID      string
	Err     string
	Success any
	Start   time.Time // set when the job is first created, for calculating duration
	Logger  *actionLogger

	// Cancel aborts the run that owns this job. Set by the sync
	// manager when the job starts executing, nil before that.
	Cancel context.CancelFunc
}

// A Change can be the result of a Job (same ID) or
// represent an internal system change originating
// from elsewhere.
//
// A Change as the result of an Action may carry
// an 'error' to the frontend for the same Job ID.
type Change struct {
	ID string `json:"id"`
	// Seq is a monotonically increasing sequence number for ordering changes on the client.
	Seq uint64 `json:"seq"`
	// TS is the server timestamp in milliseconds since epoch, assigned when emitted.
	TS     int64  `json:"ts"`
	Error  string `json:"error"`
	Type   string `json:"type"`
	Update Update `json:"update"`
}

/* Updates are responses to Actions or simply
* internal state changes that the frontend needs,
* these are wrapped in a 'change' and sent via
* websocket to the client.
*
* Updates need to be json-marshalable types
 */
type Update any

// Category is a user-selectable unit of backup scope.
type Category string

const (
	CategoryDesktop        Category = "Desktop"
	CategoryFiles          Category = "Files"
	CategorySystemSettings Category = "SystemSettings"
	CategorySystemTools    Category = "SystemTools"
)

// AllCategories lists every category in a stable order.
var AllCategories = []Category{
	CategoryDesktop,
	CategoryFiles,
	CategorySystemSettings,
	CategorySystemTools,
}

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Phase names one step of a backup or restore state machine.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseLocating           Phase = "locating"
	PhaseCapturing          Phase = "capturing"
	PhaseArchiving          Phase = "archiving"
	PhaseUploading          Phase = "uploading"
	PhaseFinalizing         Phase = "finalizing"
	PhaseFetching           Phase = "fetching"
	PhaseVerifying          Phase = "verifying"
	PhaseDiffing            Phase = "diffing"
	PhaseResolvingConflicts Phase = "resolving-conflicts"
	PhaseApplying           Phase = "applying"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
	PhaseCancelled          Phase = "cancelled"
)

// OperationProgress describes one in-flight backup or restore step.
// It lives for the duration of a single run and is only ever mutated
// by the run's worker.
type OperationProgress struct {
	JobID       string        `json:"jobID"`
	Phase       Phase         `json:"phase"`
	ItemsTotal  int           `json:"itemsTotal"`
	ItemsDone   int           `json:"itemsDone"`
	CurrentItem string        `json:"currentItem"`
	Progress    int           `json:"progress"` // 0-100
	Msg         string        `json:"msg"`
	Error       bool          `json:"error"`
	StepTaken   time.Duration `json:"step_taken"`
}

/* Actions are passed to the LumiSync service via its
 * AddAction method, and represent tasks that need to
 * be done such as running a backup, restoring one,
 * or cancelling a run in flight.
 *
 * All Actions must implement ActionName() to provide
 * a string identifier for the action type.
 */
type Action interface {
	ActionName() string
}

// Run a full backup of the selected categories.
type StartBackup struct {
	Categories []Category `json:"categories"`
}

func (StartBackup) ActionName() string { return "backup" }

// Restore a previously created backup.
type StartRestore struct {
	BackupID string `json:"backupId"`
	Policy   string `json:"policy"` // use-backup, keep-local, skip
}

func (StartRestore) ActionName() string { return "restore" }

// Cancel an in-flight backup or restore by job ID.
type CancelOperation struct {
	JobID string `json:"jobId"`
}

func (CancelOperation) ActionName() string { return "cancel" }

// List the backups available in the remote folder, newest first.
type ListBackups struct{}

func (ListBackups) ActionName() string { return "list-backups" }

// Remove a backup (archive and manifest) from the remote folder.
type DeleteBackup struct {
	BackupID string `json:"backupId"`
}

func (DeleteBackup) ActionName() string { return "delete-backup" }
