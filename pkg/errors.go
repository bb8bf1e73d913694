package lumisync

import "errors"

// Run-level failure taxonomy. Per-item failures (a single settings
// key, a shadowed profile) are absorbed into the run report and never
// surface as one of these.
var (
	// ErrProfileNotFound is returned when no install mechanism yields a
	// valid profile for an application. Non-fatal: the category is
	// recorded as partial.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrIntegrityFailure indicates a checksum mismatch while building
	// or verifying an archive. Fatal to the run.
	ErrIntegrityFailure = errors.New("archive integrity failure")

	// ErrUnsafeArchivePath is returned when an archive entry would
	// escape the extraction root. Extraction refuses to proceed.
	ErrUnsafeArchivePath = errors.New("unsafe archive path")

	// ErrManifestCorrupt indicates a manifest that is missing required
	// fields or was written by a newer, unsupported schema.
	ErrManifestCorrupt = errors.New("manifest corrupt")

	// ErrArchiveCorrupt indicates the downloaded archive does not match
	// its manifest. Restore aborts before touching the filesystem.
	ErrArchiveCorrupt = errors.New("archive corrupt")

	// ErrOperationInProgress is returned when a second backup (or
	// restore) is requested while one is already running. The request
	// is rejected, never queued.
	ErrOperationInProgress = errors.New("operation already in progress")

	// ErrBackupNotFound is returned when the requested backup ID does
	// not exist in the remote folder.
	ErrBackupNotFound = errors.New("backup not found")
)
