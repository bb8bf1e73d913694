package conductor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Service is a long-running component with a conductor-managed
// lifecycle. Run must not block: it starts its own goroutines, signals
// started once ready, and shuts down when a context arrives on stop.
type Service interface {
	Run(started, stopped chan bool, stop chan context.Context) error
}

type entry struct {
	name    string
	service Service
	stop    chan context.Context
	stopped chan bool
}

// Conductor starts services in registration order and stops them in
// reverse on SIGINT/SIGTERM.
type Conductor struct {
	log     logrus.FieldLogger
	entries []*entry
}

func New(log logrus.FieldLogger) *Conductor {
	return &Conductor{log: log}
}

func (t *Conductor) Service(name string, s Service) {
	t.entries = append(t.entries, &entry{
		name:    name,
		service: s,
		stop:    make(chan context.Context, 1),
		stopped: make(chan bool, 1),
	})
}

// Start launches every registered service and returns a channel that
// closes once all of them have shut down.
func (t *Conductor) Start() chan struct{} {
	for _, e := range t.entries {
		started := make(chan bool, 1)
		if err := e.service.Run(started, e.stopped, e.stop); err != nil {
			t.log.Fatalf("service %s failed to start: %v", e.name, err)
		}
		<-started
		t.log.Infof("service %s started", e.name)
	}

	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		t.log.Infof("received %s, shutting down", s)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for i := len(t.entries) - 1; i >= 0; i-- {
			e := t.entries[i]
			e.stop <- ctx
			select {
			case <-e.stopped:
				t.log.Infof("service %s stopped", e.name)
			case <-ctx.Done():
				t.log.Warnf("service %s did not stop in time", e.name)
			}
		}
		close(done)
	}()
	return done
}
