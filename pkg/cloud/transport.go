package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Folder is a handle to the remote folder all backups live under.
type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Object describes one remote file.
type Object struct {
	Name       string    `json:"name"`
	RemoteID   string    `json:"remoteId"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// ProgressSink receives transfer progress at chunk granularity.
type ProgressSink func(transferred, total int64)

// Transport is the capability set the orchestrators need from a cloud
// provider. Implementations receive an already-authorized client;
// authentication is never performed here. All operations block and
// honour ctx cancellation at chunk granularity.
type Transport interface {
	EnsureFolder(ctx context.Context, name string) (Folder, error)
	Upload(ctx context.Context, folder Folder, name string, r io.Reader, size int64, sink ProgressSink) (string, error)
	Download(ctx context.Context, folder Folder, name string, w io.Writer, sink ProgressSink) error
	List(ctx context.Context, folder Folder) ([]Object, error)
	Delete(ctx context.Context, folder Folder, remoteID string) error
}

// ErrorKind classifies transport failures for the retry policy.
type ErrorKind string

const (
	// KindTransient covers network hiccups and throttling; safe to
	// retry with backoff.
	KindTransient ErrorKind = "transient"
	// KindAuthExpired must be surfaced to trigger re-authentication
	// upstream. Never retried here.
	KindAuthExpired ErrorKind = "auth-expired"
	// KindQuotaExceeded is fatal for the current operation.
	KindQuotaExceeded ErrorKind = "quota-exceeded"
	KindOther         ErrorKind = "other"
)

// TransportError wraps a provider failure with its classification.
type TransportError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}

func kindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindOther
}

func IsTransient(err error) bool { return kindOf(err) == KindTransient }
func IsAuthExpired(err error) bool { return kindOf(err) == KindAuthExpired }
func IsQuotaExceeded(err error) bool { return kindOf(err) == KindQuotaExceeded }

const (
	retryAttempts = 4
	retryBaseWait = 500 * time.Millisecond
)

// WithRetry runs fn, retrying transient transport failures with
// bounded exponential backoff. Auth and quota failures are returned
// immediately.
func WithRetry(ctx context.Context, log logrus.FieldLogger, op string, fn func() error) error {
	var err error
	wait := retryBaseWait
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		log.WithField("op", op).Warnf("transient transport failure (attempt %d/%d): %v", attempt, retryAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

const chunkSize = 256 * 1024

// copyChunks copies src to dst in fixed-size chunks, polling the
// cancel signal and reporting progress between chunks.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, total int64, sink ProgressSink) (int64, error) {
	buf := make([]byte, chunkSize)
	var transferred int64
	for {
		if err := ctx.Err(); err != nil {
			return transferred, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return transferred, err
			}
			transferred += int64(n)
			if sink != nil {
				sink(transferred, total)
			}
		}
		if readErr == io.EOF {
			return transferred, nil
		}
		if readErr != nil {
			return transferred, readErr
		}
	}
}
