package lumisync

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type ActionLogger interface {
	Progress(p int)
	Step(step Phase) SubLogger
}

type SubLogger interface {
	Log(msg string)
	Logf(msg string, a ...any)
	Err(msg string)
	Errf(msg string, a ...any)
	Progress(p int) SubLogger
	Items(done, total int) SubLogger
	Current(label string) SubLogger
}

type actionLogger struct {
	Job      Job
	svc      *LumiSync
	log      logrus.FieldLogger
	Steps    map[Phase]*stepLogger
	progress int
}

func NewActionLogger(j Job, svc *LumiSync, log logrus.FieldLogger) *actionLogger {
	l := actionLogger{
		Job:   j,
		svc:   svc,
		log:   log.WithField("job", j.ID),
		Steps: map[Phase]*stepLogger{},
	}
	return &l
}

func (t *actionLogger) Progress(p int) *actionLogger {
	t.progress = p
	return t
}

func (t *actionLogger) Step(step Phase) *stepLogger {
	s, ok := t.Steps[step]
	if !ok {
		t.Steps[step] = &stepLogger{l: t, step: step, start: time.Now()}
		s = t.Steps[step]
	}
	return s
}

type stepLogger struct {
	l          *actionLogger
	step       Phase
	progress   int
	itemsDone  int
	itemsTotal int
	current    string
	start      time.Time
}

func (t *stepLogger) log(msg string, err bool) {
	p := OperationProgress{
		JobID:       t.l.Job.ID,
		Phase:       t.step,
		ItemsTotal:  t.itemsTotal,
		ItemsDone:   t.itemsDone,
		CurrentItem: t.current,
		Progress:    t.progress,
		Msg:         msg,
		Error:       err,
		StepTaken:   time.Since(t.start),
	}

	entry := t.l.log.WithFields(logrus.Fields{
		"phase":    string(t.step),
		"progress": t.progress,
	})
	if err {
		entry.Error(msg)
	} else {
		entry.Info(msg)
	}

	if t.l.svc != nil {
		t.l.svc.sendProgress(p)
	}
}

func (t *stepLogger) Progress(p int) SubLogger {
	t.progress = p
	return t
}

func (t *stepLogger) Items(done, total int) SubLogger {
	t.itemsDone = done
	t.itemsTotal = total
	return t
}

func (t *stepLogger) Current(label string) SubLogger {
	t.current = label
	return t
}

func (t *stepLogger) Log(msg string) {
	t.log(msg, false)
}

func (t *stepLogger) Logf(msg string, a ...any) {
	t.log(fmt.Sprintf(msg, a...), false)
}

func (t *stepLogger) Err(msg string) {
	t.log(msg, true)
}

func (t *stepLogger) Errf(msg string, a ...any) {
	t.log(fmt.Sprintf(msg, a...), true)
}

// ConsoleSubLogger is a SubLogger for code paths that run outside a
// job, such as startup maintenance.
type ConsoleSubLogger struct {
	step     string
	progress int
	start    time.Time
	log      logrus.FieldLogger
}

func NewConsoleSubLogger(step string, log logrus.FieldLogger) *ConsoleSubLogger {
	return &ConsoleSubLogger{
		step:  step,
		start: time.Now(),
		log:   log.WithField("step", step),
	}
}

func (t *ConsoleSubLogger) logMsg(msg string, err bool) {
	if err {
		t.log.Error(msg)
	} else {
		t.log.Info(msg)
	}
}

func (t *ConsoleSubLogger) Progress(p int) SubLogger { t.progress = p; return t }
func (t *ConsoleSubLogger) Items(done, total int) SubLogger { return t }
func (t *ConsoleSubLogger) Current(label string) SubLogger { return t }

func (t *ConsoleSubLogger) Log(msg string)            { t.logMsg(msg, false) }
func (t *ConsoleSubLogger) Logf(msg string, a ...any) { t.logMsg(fmt.Sprintf(msg, a...), false) }
func (t *ConsoleSubLogger) Err(msg string)            { t.logMsg(msg, true) }
func (t *ConsoleSubLogger) Errf(msg string, a ...any) { t.logMsg(fmt.Sprintf(msg, a...), true) }
