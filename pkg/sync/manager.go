package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
	"github.com/ruppdi75/lumi-sync/pkg/manifest"
)

const queryTimeout = 2 * time.Minute

// Manager runs backup and restore jobs on dedicated workers, enforcing
// the single-active-run guard per operation kind. One backup and one
// restore may run concurrently; a second of either kind is rejected
// immediately with ErrOperationInProgress, never queued.
type Manager struct {
	backup  *BackupOrchestrator
	restore *RestoreOrchestrator
	store   *manifest.Store
	log     logrus.FieldLogger

	jobs    chan lumisync.Job
	updates chan lumisync.Job

	mu      gosync.Mutex
	busy    map[string]string // action kind -> job ID
	cancels map[string]context.CancelFunc
}

func NewManager(
	backup *BackupOrchestrator,
	restore *RestoreOrchestrator,
	store *manifest.Store,
	log logrus.FieldLogger,
) *Manager {
	return &Manager{
		backup:  backup,
		restore: restore,
		store:   store,
		log:     log,
		jobs:    make(chan lumisync.Job, 32),
		updates: make(chan lumisync.Job, 32),
		busy:    map[string]string{},
		cancels: map[string]context.CancelFunc{},
	}
}

func (t *Manager) AddJob(j lumisync.Job) {
	t.jobs <- j
}

func (t *Manager) GetUpdateChannel() chan lumisync.Job {
	return t.updates
}

// Cancel requests cooperative cancellation of an in-flight run. The
// worker observes it between archive entries, transfer chunks and
// settings keys and reports the job as cancelled on the update channel.
func (t *Manager) Cancel(jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cancel, ok := t.cancels[jobID]
	if !ok {
		return fmt.Errorf("no running operation with job ID %s", jobID)
	}
	cancel()
	return nil
}

func (t *Manager) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		go func() {
		mainloop:
			for {
				select {
				case <-stop:
					break mainloop
				case j, ok := <-t.jobs:
					if !ok {
						break mainloop
					}
					t.dispatch(j)
				}
			}
		}()
		started <- true
		<-stop
		stopped <- true
	}()
	return nil
}

func (t *Manager) dispatch(j lumisync.Job) {
	switch a := j.A.(type) {

	case lumisync.StartBackup:
		t.launch(j, func(ctx context.Context) (any, error) {
			m, err := t.backup.Run(ctx, j, a.Categories)
			if m == nil {
				return nil, err
			}
			return m, err
		})

	case lumisync.StartRestore:
		policy, err := ParsePolicy(a.Policy)
		if err != nil {
			j.Err = err.Error()
			t.updates <- j
			return
		}
		t.launch(j, func(ctx context.Context) (any, error) {
			// the report survives failure so the caller sees what was
			// applied before the run stopped
			r, err := t.restore.Run(ctx, j, a.BackupID, policy)
			if r == nil {
				return nil, err
			}
			return r, err
		})

	case lumisync.ListBackups:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
			defer cancel()
			list, err := t.store.ListAvailable(ctx)
			t.finish(j, ctx, list, err)
		}()

	case lumisync.DeleteBackup:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
			defer cancel()
			err := t.store.Delete(ctx, a.BackupID)
			t.finish(j, ctx, map[string]string{"deleted": a.BackupID}, err)
		}()

	default:
		j.Err = fmt.Sprintf("unhandled action %q", j.A.ActionName())
		t.updates <- j
	}
}

// launch starts a worker for a guarded long-running operation.
func (t *Manager) launch(j lumisync.Job, run func(ctx context.Context) (any, error)) {
	kind := j.A.ActionName()

	t.mu.Lock()
	if active, ok := t.busy[kind]; ok {
		t.mu.Unlock()
		j.Err = fmt.Sprintf("%v: %s %s is still running", lumisync.ErrOperationInProgress, kind, active)
		t.log.WithField("job", j.ID).Warn(j.Err)
		t.updates <- j
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.busy[kind] = j.ID
	t.cancels[j.ID] = cancel
	t.mu.Unlock()

	j.Cancel = cancel

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.busy, kind)
			delete(t.cancels, j.ID)
			t.mu.Unlock()
			cancel()
		}()
		result, err := run(ctx)
		t.finish(j, ctx, result, err)
	}()
}

// finish reports a job outcome on the update channel. Cancellation is
// reported with the literal "cancelled" error the run loop keys on.
func (t *Manager) finish(j lumisync.Job, ctx context.Context, result any, err error) {
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled):
		j.Err = "cancelled"
	case err != nil:
		j.Err = err.Error()
	}
	if result != nil {
		j.Success = result
	}
	t.updates <- j
}
