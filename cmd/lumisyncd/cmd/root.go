package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	lumisync "github.com/ruppdi75/lumi-sync/pkg"
	"github.com/ruppdi75/lumi-sync/pkg/archive"
	"github.com/ruppdi75/lumi-sync/pkg/cloud"
	"github.com/ruppdi75/lumi-sync/pkg/conductor"
	"github.com/ruppdi75/lumi-sync/pkg/manifest"
	"github.com/ruppdi75/lumi-sync/pkg/profile"
	"github.com/ruppdi75/lumi-sync/pkg/settings"
	syncpkg "github.com/ruppdi75/lumi-sync/pkg/sync"
	"github.com/ruppdi75/lumi-sync/pkg/web"
)

var rootCmd = &cobra.Command{
	Use:   "lumisyncd",
	Short: "LumiSync backup/restore daemon",
	Long: `lumisyncd backs up and restores desktop configuration
(application profiles, GNOME settings) to a user-owned cloud folder.
The GUI talks to it over a local REST API and a websocket change feed.`,
	Run: runDaemon,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.Flags()
	flags.String("bind", "127.0.0.1", "address to bind the API to")
	flags.Int("port", 8384, "port to bind the API to")
	flags.String("home", "", "user home directory to scan for profiles (default: current user)")
	flags.String("data-dir", "", "directory for run history and recovery snapshots (default: ~/.local/share/lumisync)")
	flags.String("tmp-dir", filepath.Join(os.TempDir(), "lumisync"), "staging directory for archives in flight")
	flags.String("remote-folder", "LumiSync", "top-level cloud folder holding every backup")
	flags.String("provider", "localdir", "cloud provider: localdir, pcloud or s3")
	flags.Bool("dev", false, "development mode: verbose console logging, no log rotation")

	flags.String("localdir-root", "", "localdir provider: backing directory (e.g. a mounted drive)")
	flags.String("pcloud-endpoint", "", "pcloud provider: API endpoint (default https://api.pcloud.com)")
	flags.String("pcloud-token", "", "pcloud provider: access token")
	flags.String("s3-endpoint", "", "s3 provider: endpoint override for S3-compatible stores")
	flags.String("s3-region", "us-east-1", "s3 provider: region")
	flags.String("s3-bucket", "", "s3 provider: bucket name")
	flags.String("s3-access-key", "", "s3 provider: access key (default: ambient AWS credentials)")
	flags.String("s3-secret-key", "", "s3 provider: secret key")
}

func runDaemon(cmd *cobra.Command, args []string) {
	flags := cmd.Flags()

	home, _ := flags.GetString("home")
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot determine home directory:", err)
			os.Exit(1)
		}
	}
	dataDir, _ := flags.GetString("data-dir")
	if dataDir == "" {
		dataDir = filepath.Join(home, ".local", "share", "lumisync")
	}
	tmpDir, _ := flags.GetString("tmp-dir")
	bind, _ := flags.GetString("bind")
	port, _ := flags.GetInt("port")
	remoteFolder, _ := flags.GetString("remote-folder")
	provider, _ := flags.GetString("provider")
	devMode, _ := flags.GetBool("dev")

	logDir := filepath.Join(dataDir, "logs")
	for _, dir := range []string{dataDir, tmpDir, logDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			fmt.Fprintln(os.Stderr, "cannot create directory:", err)
			os.Exit(1)
		}
	}

	log := newLogger(logDir, devMode)

	config := &lumisync.ServerConfig{
		Bind:         bind,
		Port:         port,
		HomeDir:      home,
		DataDir:      dataDir,
		TmpDir:       tmpDir,
		LogDir:       logDir,
		Provider:     provider,
		RemoteFolder: remoteFolder,
		DevMode:      devMode,
	}

	transport, err := cloud.New(cloudConfig(flags, provider, dataDir))
	if err != nil {
		log.Fatalf("cloud transport: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	folder, err := transport.EnsureFolder(ctx, config.RemoteFolder)
	cancel()
	if err != nil {
		log.Fatalf("remote folder %q: %v", config.RemoteFolder, err)
	}
	store := manifest.NewStore(transport, folder)

	sm, err := lumisync.NewStoreManager(filepath.Join(dataDir, "lumisync.db"))
	if err != nil {
		log.Fatalf("run history store: %v", err)
	}
	defer sm.Close()

	locator := profile.NewLocator(config.HomeDir, log)
	snap := settings.NewSnapshotter(log)
	codec := archive.NewCodec()

	backup := syncpkg.NewBackupOrchestrator(config, locator, snap, codec, store, log)
	restore := syncpkg.NewRestoreOrchestrator(config, locator, snap, codec, store, log)
	manager := syncpkg.NewManager(backup, restore, store, log)

	svc := lumisync.NewLumiSync(manager, nil, config, log)
	jobManager := lumisync.NewJobManager(sm, svc)
	svc.SetJobManager(jobManager)

	if cleared, err := jobManager.ClearOrphanedJobs(); err != nil {
		log.Warnf("clearing orphaned jobs: %v", err)
	} else if cleared > 0 {
		log.Infof("marked %d orphaned jobs as failed", cleared)
	}

	relay := web.NewWSRelay(log, svc.Changes)
	api := web.RESTAPI(config, svc, store, relay, log)

	c := conductor.New(log)
	c.Service("sync-manager", manager)
	c.Service("lumisync", svc)
	c.Service("websocket-relay", relay)
	c.Service("rest-api", api)

	log.Infof("lumisyncd listening on %s:%d (provider %s)", bind, port, provider)
	<-c.Start()
}

func newLogger(logDir string, devMode bool) *logrus.Logger {
	log := logrus.New()
	if devMode {
		log.SetLevel(logrus.DebugLevel)
		return log
	}
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "lumisyncd.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotated))
	return log
}

func cloudConfig(flags *pflag.FlagSet, provider, dataDir string) cloud.Config {
	get := func(name string) string {
		v, _ := flags.GetString(name)
		return v
	}
	localRoot := get("localdir-root")
	if localRoot == "" {
		localRoot = filepath.Join(dataDir, "localdir")
	}
	return cloud.Config{
		Provider: provider,
		LocalDir: cloud.LocalDirConfig{Root: localRoot},
		PCloud: cloud.PCloudConfig{
			Endpoint:  get("pcloud-endpoint"),
			AuthToken: get("pcloud-token"),
		},
		S3: cloud.S3Config{
			Endpoint:  get("s3-endpoint"),
			Region:    get("s3-region"),
			Bucket:    get("s3-bucket"),
			AccessKey: get("s3-access-key"),
			SecretKey: get("s3-secret-key"),
		},
	}
}
