/*
LumiSync internal architecture:

 Actions are instructions from the user to do something (run a backup,
 restore one, cancel a run) and come externally via the REST API or
 Websocket. These are submitted to LumiSync.AddAction and become Jobs,
 returning a Job ID.

 Jobs are handed to the SyncManager, which runs backup and restore
 workers off the caller's goroutine.

 Completed Jobs are submitted to the Changes channel for reporting back
 to the user, along with their Job ID.

                                      ┌──────────────┐
                                      │  LumiSync{}  │
                                      │              │
                                      │  ┌────────►  │
                                      │  │LumiSync│  │
 REST API  ─────┐                     │  │Run Loop│  │
                │                     │  ◄──────┬─┘  │
                │                     │     ▲   │    │
                │             ======= │  ┌──┴─────►  │ =======   Job ID
                │ Actions     Jobs    │  │  Sync  │  │ Changes
 WebSocket ─────┼──────────►  Channel │  │Manager │  │ Channel ───► WebSocket
                │ Job ID      ======= │  ◄────────┘  │ =======
                │ ◄────               │              │
                │                     └───┼──────┼───┘
                │                         │      │
                └─────────────────────────┘      ▼
                                          Cloud Transport
                                          gsettings / dconf
*/

package lumisync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SyncManager runs backup and restore jobs on dedicated workers. It
// enforces the single-active-run guard per operation kind.
type SyncManager interface {
	// AddJob hands a job to the manager. The manager reports the
	// outcome (including an immediate ErrOperationInProgress
	// rejection) on its update channel.
	AddJob(Job)
	// Cancel requests cooperative cancellation of an in-flight run.
	Cancel(jobID string) error
	// GetUpdateChannel yields finished jobs.
	GetUpdateChannel() chan Job
}

type LumiSync struct {
	Syncer     SyncManager
	Changes    chan Change
	JobManager *JobManager
	jobs       chan Job
	config     *ServerConfig
	log        logrus.FieldLogger
	seq        atomic.Uint64
}

func NewLumiSync(
	syncer SyncManager,
	jobManager *JobManager,
	config *ServerConfig,
	log logrus.FieldLogger,
) *LumiSync {
	s := LumiSync{
		Syncer:     syncer,
		Changes:    make(chan Change, 256),
		JobManager: jobManager,
		jobs:       make(chan Job, 256),
		config:     config,
		log:        log,
	}
	return &s
}

// SetJobManager sets the JobManager reference after LumiSync is created
func (t *LumiSync) SetJobManager(jm *JobManager) {
	t.JobManager = jm
}

// Main LumiSync goroutine, routes messages in and out of the system
// via the job and change channels and handles completions from the
// SyncManager.
func (t *LumiSync) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		go func() {
		mainloop:
			for {
			dance:
				select {

				// Handle shutdown
				case <-stop:
					break mainloop

				// Hand incoming jobs to the dispatcher
				case j, ok := <-t.jobs:
					if !ok {
						break dance
					}
					j.Start = time.Now() // start the job timer

					if t.JobManager != nil && t.shouldTrackJob(j) {
						record, err := t.JobManager.CreateJobRecord(j)
						if err == nil {
							t.sendChange(Change{ID: "internal", Type: "job:created", Update: record})
						}
					}

					t.jobDispatcher(j)

				// Handle completed jobs from the SyncManager
				case j, ok := <-t.Syncer.GetUpdateChannel():
					if !ok {
						break dance
					}
					t.log.WithField("job", j.ID).Infof("finished in %.2fs", time.Since(j.Start).Seconds())

					if t.JobManager != nil && t.shouldTrackJob(j) && t.JobManager.IsJobActive(j.ID) {
						var err error
						if j.Err == "cancelled" {
							err = t.JobManager.CancelJob(j.ID)
						} else {
							err = t.JobManager.CompleteJob(j.ID, j.Err)
						}
						if err == nil {
							record, getErr := t.JobManager.GetJob(j.ID)
							if getErr == nil {
								t.sendChange(Change{ID: "internal", Type: "job:completed", Update: record})
							}
						}
					}

					t.sendFinishedJob("action", j)
				}
			}
		}()
		// flag to the conductor we are running
		started <- true
		// Wait on a stop signal
		<-stop
		// do shutdown things and flag we are stopped
		stopped <- true
	}()
	return nil
}

// Add an Action to the job queue, returns a unique ID which can be
// used to match the outcome in the Changes channel.
func (t *LumiSync) AddAction(a Action) string {
	id := uuid.New().String()
	j := Job{A: a, ID: id}
	j.Logger = NewActionLogger(j, t, t.log)
	t.jobs <- j
	return id
}

/* jobDispatcher handles any incoming Jobs based on their Action type.
 * Cancellation is handled inline; everything else is sent to the
 * SyncManager for handling on its workers.
 */
func (t *LumiSync) jobDispatcher(j Job) {
	switch a := j.A.(type) {

	case StartBackup:
		t.Syncer.AddJob(j)

	case StartRestore:
		t.Syncer.AddJob(j)

	case ListBackups:
		t.Syncer.AddJob(j)

	case DeleteBackup:
		t.Syncer.AddJob(j)

	case CancelOperation:
		if err := t.Syncer.Cancel(a.JobID); err != nil {
			j.Err = err.Error()
		}
		t.sendFinishedJob("action", j)

	default:
		t.log.Warnf("Unknown action type: %v", a)
		j.Err = "unknown action"
		t.sendFinishedJob("action", j)
	}
}

// send changes without blocking if the channel is full
func (t *LumiSync) sendChange(c Change) {
	c.Seq = t.seq.Add(1)
	c.TS = time.Now().UnixMilli()
	timer := time.After(200 * time.Millisecond)
	select {
	case t.Changes <- c:
	case <-timer:
		t.log.Warnf("Can't send change, no receiver: %s %s", c.ID, c.Type)
	}
}

// helper to report a completed job back to the client
func (t *LumiSync) sendFinishedJob(changeType string, j Job) {
	if j.Err != "" {
		t.log.WithField("job", j.ID).Error(j.Err)
	}
	t.sendChange(Change{ID: j.ID, Error: j.Err, Type: changeType, Update: j.Success})
}

// shouldTrackJob determines if a job should create a visible job
// record. Excludes queries and cancel requests that complete
// immediately.
func (t *LumiSync) shouldTrackJob(j Job) bool {
	switch j.A.(type) {
	case ListBackups:
		return false
	case CancelOperation:
		return false
	default:
		return true
	}
}

// updates the client on the progress of any inflight actions
func (t *LumiSync) sendProgress(p OperationProgress) {
	if t.JobManager != nil {
		err := t.JobManager.UpdateJobProgress(p)
		if err == nil {
			record, getErr := t.JobManager.GetJob(p.JobID)
			if getErr == nil {
				t.sendChange(Change{ID: "internal", Type: "job:updated", Update: record})
			}
		}
	}

	t.sendChange(Change{ID: p.JobID, Type: "progress", Update: p})
}
