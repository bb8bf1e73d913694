package lumisync

// ServerConfig holds everything the daemon needs to run. It is built
// once in cmd/lumisyncd from flags and environment and passed down
// explicitly; there is no process-wide mutable configuration.
type ServerConfig struct {
	// Bind is the address the REST/websocket surface listens on.
	Bind string
	Port int

	// HomeDir is the user home to scan for profiles. Defaults to the
	// current user's home; overridable for testing.
	HomeDir string

	// DataDir holds the run-history database and recovery snapshots.
	DataDir string

	// TmpDir is the staging area for archives in flight.
	TmpDir string

	// LogDir receives the rotated daemon log.
	LogDir string

	// Provider selects the cloud transport implementation
	// (localdir, pcloud, s3).
	Provider string

	// RemoteFolder is the single fixed top-level folder in the cloud
	// account that holds every backup.
	RemoteFolder string

	DevMode bool
}
