package cloud

import "fmt"

// Config selects and configures one provider at daemon startup.
type Config struct {
	Provider string // "localdir", "pcloud" or "s3"

	LocalDir LocalDirConfig
	PCloud   PCloudConfig
	S3       S3Config
}

type LocalDirConfig struct {
	Root string
}

// New builds the configured transport. The choice of provider is a
// deployment decision; orchestrators only ever see the Transport
// interface.
func New(cfg Config) (Transport, error) {
	switch cfg.Provider {
	case "localdir":
		return NewLocalDirTransport(cfg.LocalDir.Root)
	case "pcloud":
		endpoint := cfg.PCloud.Endpoint
		if endpoint == "" {
			endpoint = "https://api.pcloud.com"
		}
		return NewPCloudTransport(PCloudConfig{Endpoint: endpoint, AuthToken: cfg.PCloud.AuthToken}), nil
	case "s3":
		return NewS3Transport(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown cloud provider %q", cfg.Provider)
	}
}
