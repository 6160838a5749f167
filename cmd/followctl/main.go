// Command followctl runs and inspects a continuous replication follower.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/estuary/dbfollower/backup"
	"github.com/estuary/dbfollower/clusterlock"
	"github.com/estuary/dbfollower/filter"
	"github.com/estuary/dbfollower/follower"
	"github.com/estuary/dbfollower/followersvc"
	"github.com/estuary/dbfollower/storage/rocks"
	"github.com/estuary/dbfollower/storage/sqlitemeta"
	"github.com/estuary/dbfollower/transport"
)

const iniFilename = "followctl.ini"

// config is the top-level configuration object of followctl run.
var config = new(runConfig)

type runConfig struct {
	Source      sourceConfig          `group:"Source" namespace:"source" env-namespace:"SOURCE"`
	Storage     storageConfig         `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`
	Restrict    restrictConfig        `group:"Restrict" namespace:"restrict" env-namespace:"RESTRICT"`
	Backup      backupConfig          `group:"Backup" namespace:"backup" env-namespace:"BACKUP"`
	ClusterLock clusterLockConfig     `group:"ClusterLock" namespace:"cluster-lock" env-namespace:"CLUSTER_LOCK"`
	StatusAddr  string                `long:"status-addr" env:"STATUS_ADDR" default:":8081" description:"Address to serve /status and /metrics on"`
	Verbose     int                   `long:"verbose" short:"v" env:"VERBOSE" description:"Increase log verbosity; at 2, logs a diff of every document merge"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

type sourceConfig struct {
	Endpoint           string        `long:"endpoint" env:"ENDPOINT" required:"true" description:"Master's chunk-fetch base URL"`
	AuthToken          string        `long:"auth-token" env:"AUTH_TOKEN" description:"Bearer token presented to the master"`
	ChunkSize          uint64        `long:"chunk-size" env:"CHUNK_SIZE" default:"1048576" description:"Requested chunk size in bytes"`
	ConnectTimeout     time.Duration `long:"connect-timeout" env:"CONNECT_TIMEOUT" default:"10s"`
	RequestTimeout     time.Duration `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"30s"`
	RequireFromPresent bool          `long:"require-from-present" env:"REQUIRE_FROM_PRESENT" description:"Treat x-from-present=false as fatal instead of warning"`
}

type storageConfig struct {
	RocksDir string `long:"rocks-dir" env:"ROCKS_DIR" required:"true" description:"RocksDB data directory"`
	MetaPath string `long:"meta-path" env:"META_PATH" required:"true" description:"SQLite checkpoint metadata path"`
}

type restrictConfig struct {
	Type          string   `long:"type" env:"TYPE" default:"none" choice:"none" choice:"include" choice:"exclude"`
	Collections   []string `long:"collections" env:"COLLECTIONS" env-delim:","`
	IncludeSystem bool     `long:"include-system" env:"INCLUDE_SYSTEM"`
}

type backupConfig struct {
	Bucket   string        `long:"bucket" env:"BUCKET" description:"GCS bucket for periodic checkpoint backup; disabled if empty"`
	Object   string        `long:"object" env:"OBJECT" default:"follower-checkpoint.json"`
	Interval time.Duration `long:"interval" env:"INTERVAL" default:"1m"`
}

type clusterLockConfig struct {
	Endpoints []string `long:"endpoints" env:"ENDPOINTS" env-delim:"," description:"etcd endpoints; cluster lock disabled if empty"`
	Key       string   `long:"key" env:"KEY" default:"/dbfollower/lock"`
	TTL       int      `long:"ttl" env:"TTL" default:"10" description:"Lock lease TTL in seconds"`
}

func restrictMode(s string) filter.Mode {
	switch s {
	case "include":
		return filter.Include
	case "exclude":
		return filter.Exclude
	default:
		return filter.None
	}
}

type cmdRun struct{}

func (cmdRun) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(config.Diagnostics)()
	mbp.InitLog(config.Log)

	log.WithFields(log.Fields{
		"config":    config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("followctl configuration")

	var ctx = context.Background()

	engine, err := rocks.Open(config.Storage.RocksDir)
	if err != nil {
		return fmt.Errorf("opening storage engine: %w", err)
	}
	defer engine.Close()
	engine.SetVerbose(config.Verbose)

	checkpoints, err := sqlitemeta.Open(config.Storage.MetaPath)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	client, err := transport.New(config.Source.Endpoint, transport.Options{
		ConnectTimeout: config.Source.ConnectTimeout,
		RequestTimeout: config.Source.RequestTimeout,
		AuthToken:      config.Source.AuthToken,
	})
	if err != nil {
		return fmt.Errorf("building transport: %w", err)
	}

	var fcfg = follower.Config{
		Endpoint:            config.Source.Endpoint,
		ChunkSize:           config.Source.ChunkSize,
		IncludeSystem:       config.Restrict.IncludeSystem,
		RestrictType:        restrictMode(config.Restrict.Type),
		RestrictCollections: config.Restrict.Collections,
		RequireFromPresent:  config.Source.RequireFromPresent,
		RequestTimeout:      config.Source.RequestTimeout,
		Verbose:             config.Verbose,
	}

	metrics, err := follower.NewMetrics(prometheusRegisterer(), config.Source.Endpoint)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	loop, err := follower.New(fcfg, client, engine, checkpoints, metrics, log.NewEntry(log.StandardLogger()))
	if err != nil {
		return fmt.Errorf("building follower loop: %w", err)
	}

	var tasks = task.NewGroup(ctx)

	if len(config.ClusterLock.Endpoints) > 0 {
		lock, etcd, lerr := acquireClusterLock(ctx)
		if lerr != nil {
			return lerr
		}
		defer lock.Release(context.Background())
		defer etcd.Close()
		tasks.Queue("watch cluster lock", func() error {
			select {
			case <-lock.Done():
				log.Warn("cluster lock session lost; stopping follower")
				loop.Stop()
				return fmt.Errorf("cluster lock session expired")
			case <-tasks.Context().Done():
				return nil
			}
		})
	}

	if config.Backup.Bucket != "" {
		uploader, berr := backup.New(ctx, config.Backup.Bucket, config.Backup.Object, config.Backup.Interval)
		if berr != nil {
			return fmt.Errorf("building checkpoint backup: %w", berr)
		}
		defer uploader.Close()
		tasks.Queue("checkpoint backup", func() error {
			return uploader.Run(tasks.Context(), loop.Snapshot)
		})
	}

	var statusServer = &http.Server{
		Addr:    config.StatusAddr,
		Handler: followersvc.NewMux(loop, nil),
	}
	tasks.Queue("status server", func() error {
		var serveErr = statusServer.ListenAndServe()
		if serveErr == http.ErrServerClosed {
			return nil
		}
		return serveErr
	})

	tasks.Queue("follower loop", func() error {
		return loop.Run(tasks.Context())
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			loop.Stop()
			_ = statusServer.Close()
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})

	tasks.GoRun()
	if err := tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}
	log.Info("goodbye")
	return nil
}

type cmdStatus struct {
	Addr string `long:"addr" default:":8081" description:"Address of a running followctl's status server"`
}

func (c cmdStatus) Execute(_ []string) error {
	resp, err := http.Get("http://" + c.Addr + "/status")
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}
	defer resp.Body.Close()

	var state follower.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	var phaseColor = color.New(color.FgGreen)
	if state.Phase == follower.Failed {
		phaseColor = color.New(color.FgRed)
	} else if state.Phase == follower.Stopping || state.Phase == follower.Stopped {
		phaseColor = color.New(color.FgYellow)
	}

	fmt.Printf("phase:             %s\n", phaseColor.Sprint(state.Phase))
	fmt.Printf("lastAppliedTick:   %d\n", state.LastAppliedTick)
	fmt.Printf("lastProcessedTick: %d\n", state.LastProcessedTick)
	fmt.Printf("safeResumeTick:    %d\n", state.SafeResumeTick)
	if state.LastError != nil {
		fmt.Printf("lastError:         %s: %s\n", state.LastError.Kind, state.LastError.Message)
	}
	return nil
}

func main() {
	var parser = flags.NewParser(config, flags.Default)

	_, _ = parser.AddCommand("run", "Run the continuous replication follower", `
Run the follower loop against the configured master, applying its
replication log to local storage until signaled to exit (via SIGTERM).
`, &cmdRun{})

	_, _ = parser.AddCommand("status", "Print a running follower's status", `
Fetch and print the current ApplierState from a running followctl's
status server.
`, &cmdStatus{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
