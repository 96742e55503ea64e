package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ocssd/ftlhost/internal/ftl/core"
	"github.com/ocssd/ftlhost/internal/ftl/device"
	"github.com/ocssd/ftlhost/internal/ftl/device/fake"
	"github.com/ocssd/ftlhost/internal/logging"

	ftlconfig "github.com/ocssd/ftlhost/internal/ftl/config"
)

// shutdownTimeout bounds the final close pass (padding open blocks) after
// the run loop stops, so a stuck device doesn't hang process exit
// indefinitely.
const shutdownTimeout = 5 * time.Second

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "ftlhostd",
	Short: "Host-side flash translation layer for an Open-Channel SSD",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := ftlconfig.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := ftlconfig.Load(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid default config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	// The real media manager (channel/LUN/plane addressing hardware) is out
	// of scope (spec.md §1); ftlhostd always runs against the in-memory
	// fake so the core's data path has something to drive end to end.
	dev := fake.New(device.Geometry{
		NrChannels: cfg.Geometry.NrChannels,
		NrLUNs:     cfg.Geometry.NrLUNs,
		SecPerPl:   cfg.Geometry.SecPerPl,
		SecSize:    uint32(cfg.Geometry.SecSize),
		PgsPerBlk:  cfg.Geometry.PgsPerBlk,
		NrBlkDsecs: cfg.Geometry.NrBlkDsecs,
		NrSecs:     cfg.Geometry.NrSecs,
	}, uint32(cfg.PoolDepth)*4)

	c, err := core.New(cfg, dev, log)
	if err != nil {
		return fmt.Errorf("failed to initialize core: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return c.Run(ctx)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	runErr := wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		log.Errorw("failed to close core cleanly", "error", err)
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM is received or ctx
// is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
