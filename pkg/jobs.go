package lumisync

import (
	"fmt"
	"sync"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// JobRecord represents a persisted job for the frontend activity view
type JobRecord struct {
	ID             string     `json:"id"`
	Started        time.Time  `json:"started"`
	Finished       *time.Time `json:"finished"` // nil if not finished
	DisplayName    string     `json:"displayName"`
	Kind           string     `json:"kind"` // backup, restore, ...
	Progress       int        `json:"progress"` // 0-100
	Phase          Phase      `json:"phase"`
	Status         JobStatus  `json:"status"`
	SummaryMessage string     `json:"summaryMessage"`
	ErrorMessage   string     `json:"errorMessage"`
}

// JobManager handles job persistence and state management
type JobManager struct {
	store      *TypeStore[JobRecord]
	activeJobs map[string]*JobRecord // in-memory cache of active jobs
	jobsMutex  sync.RWMutex
	svc        *LumiSync
}

func NewJobManager(sm *StoreManager, svc *LumiSync) *JobManager {
	return &JobManager{
		store:      GetTypeStore[JobRecord](sm),
		activeJobs: make(map[string]*JobRecord),
		svc:        svc,
	}
}

// SetService sets the LumiSync reference after construction (the
// service and the job manager reference each other).
func (jm *JobManager) SetService(svc *LumiSync) {
	jm.svc = svc
}

// CreateJobRecord creates a new job record from a Job
func (jm *JobManager) CreateJobRecord(j Job) (*JobRecord, error) {
	jm.jobsMutex.Lock()
	defer jm.jobsMutex.Unlock()

	record := &JobRecord{
		ID:             j.ID,
		Started:        j.Start,
		Finished:       nil,
		DisplayName:    jm.getDisplayName(j),
		Kind:           j.A.ActionName(),
		Progress:       0,
		Phase:          PhaseIdle,
		Status:         JobStatusQueued,
		SummaryMessage: "Job queued",
		ErrorMessage:   "",
	}

	if err := jm.store.Set(j.ID, *record); err != nil {
		return nil, fmt.Errorf("failed to store job record: %w", err)
	}

	jm.activeJobs[j.ID] = record

	return record, nil
}

// UpdateJobProgress updates a job record from an OperationProgress event
func (jm *JobManager) UpdateJobProgress(op OperationProgress) error {
	jm.jobsMutex.Lock()
	defer jm.jobsMutex.Unlock()

	record, ok := jm.activeJobs[op.JobID]
	if !ok {
		recordValue, err := jm.store.Get(op.JobID)
		if err != nil {
			return fmt.Errorf("job not found: %s", op.JobID)
		}
		record = &recordValue
		jm.activeJobs[op.JobID] = record
	}

	if op.Progress > 0 {
		record.Progress = op.Progress
	}
	record.Phase = op.Phase

	// Move to in_progress as soon as the job starts sending updates
	if record.Status == JobStatusQueued {
		record.Status = JobStatusInProgress
	}

	record.SummaryMessage = op.Msg
	if op.Error {
		record.ErrorMessage = op.Msg
	}

	return jm.store.Set(record.ID, *record)
}

// CompleteJob marks a job as completed or failed
func (jm *JobManager) CompleteJob(jobID string, errMsg string) error {
	return jm.finishJob(jobID, errMsg, false)
}

// CancelJob marks a job as cancelled
func (jm *JobManager) CancelJob(jobID string) error {
	return jm.finishJob(jobID, "", true)
}

func (jm *JobManager) finishJob(jobID string, errMsg string, cancelled bool) error {
	jm.jobsMutex.Lock()
	defer jm.jobsMutex.Unlock()

	record, ok := jm.activeJobs[jobID]
	if !ok {
		recordValue, loadErr := jm.store.Get(jobID)
		if loadErr != nil {
			return fmt.Errorf("job not found: %s", jobID)
		}
		record = &recordValue
	}

	now := time.Now()
	record.Finished = &now

	switch {
	case cancelled:
		record.Status = JobStatusCancelled
		record.Phase = PhaseCancelled
		record.SummaryMessage = "Job cancelled"
	case errMsg != "":
		record.Status = JobStatusFailed
		record.Phase = PhaseFailed
		record.ErrorMessage = errMsg
		record.SummaryMessage = "Job failed"
	default:
		record.Status = JobStatusCompleted
		record.Phase = PhaseCompleted
		record.Progress = 100
		record.SummaryMessage = "Job completed successfully"
	}

	delete(jm.activeJobs, jobID)

	if err := jm.store.Set(record.ID, *record); err != nil {
		return err
	}

	if jm.svc != nil {
		eventType := "job:completed"
		if record.Status == JobStatusFailed {
			eventType = "job:failed"
		} else if record.Status == JobStatusCancelled {
			eventType = "job:cancelled"
		}
		jm.svc.sendChange(Change{ID: "internal", Type: eventType, Update: record})
	}

	return nil
}

// GetJob retrieves a job record by ID
func (jm *JobManager) GetJob(jobID string) (*JobRecord, error) {
	jm.jobsMutex.RLock()
	defer jm.jobsMutex.RUnlock()

	if record, ok := jm.activeJobs[jobID]; ok {
		return record, nil
	}

	record, err := jm.store.Get(jobID)
	if err != nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return &record, nil
}

// IsJobActive returns true if the job is in the active jobs cache
// (not yet completed). Used to avoid duplicate CompleteJob calls.
func (jm *JobManager) IsJobActive(jobID string) bool {
	jm.jobsMutex.RLock()
	defer jm.jobsMutex.RUnlock()
	_, ok := jm.activeJobs[jobID]
	return ok
}

// GetAllJobs retrieves all job records, newest first
func (jm *JobManager) GetAllJobs() ([]JobRecord, error) {
	query := fmt.Sprintf("SELECT value FROM %s ORDER BY json_extract(value, '$.started') DESC", jm.store.Table)
	return jm.store.Exec(query)
}

// GetActiveJobs retrieves all jobs that are queued or in progress
func (jm *JobManager) GetActiveJobs() ([]JobRecord, error) {
	query := fmt.Sprintf("SELECT value FROM %s WHERE json_extract(value, '$.status') IN ('queued', 'in_progress') ORDER BY json_extract(value, '$.started') ASC", jm.store.Table)
	return jm.store.Exec(query)
}

// GetRecentJobs retrieves recent completed/failed/cancelled jobs
func (jm *JobManager) GetRecentJobs(limit int) ([]JobRecord, error) {
	query := fmt.Sprintf("SELECT value FROM %s WHERE json_extract(value, '$.status') IN ('completed', 'failed', 'cancelled') ORDER BY json_extract(value, '$.finished') DESC LIMIT %d", jm.store.Table, limit)
	return jm.store.Exec(query)
}

// ClearOrphanedJobs marks jobs stuck in queued/in_progress state as
// failed. Run at startup: anything still active in the store did not
// survive the previous process.
func (jm *JobManager) ClearOrphanedJobs() (int, error) {
	jm.jobsMutex.Lock()
	defer jm.jobsMutex.Unlock()

	now := time.Now().Format(time.RFC3339Nano)
	query := fmt.Sprintf(`UPDATE %s SET value = json_set(json_set(json_set(value, '$.status', 'failed'), '$.errorMessage', 'Job was orphaned by a daemon restart'), '$.finished', ?) WHERE json_extract(value, '$.status') IN ('queued', 'in_progress')`, jm.store.Table)
	count, err := jm.store.ExecWrite(query, now)
	if err != nil {
		return 0, err
	}

	jm.activeJobs = make(map[string]*JobRecord)
	return int(count), nil
}

// getDisplayName returns a human-readable name for the job
func (jm *JobManager) getDisplayName(j Job) string {
	switch a := j.A.(type) {
	case StartBackup:
		if len(a.Categories) == 1 {
			return fmt.Sprintf("Back up %s", a.Categories[0])
		}
		return fmt.Sprintf("Back up %d categories", len(a.Categories))
	case StartRestore:
		return fmt.Sprintf("Restore backup %s", a.BackupID)
	case DeleteBackup:
		return fmt.Sprintf("Delete backup %s", a.BackupID)
	case ListBackups:
		return "List backups"
	case CancelOperation:
		return "Cancel operation"
	default:
		return "System operation"
	}
}
