// Package follow implements the `follow` sub-command.
package follow

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oasisprotocol/chainhead/backend"
	"github.com/oasisprotocol/chainhead/cmd/common"
	"github.com/oasisprotocol/chainhead/config"
	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

const moduleName = "follow_cmd"

var (
	// Path to the configuration file.
	configFile string

	followCmd = &cobra.Command{
		Use:   "follow",
		Short: "Follow the chain and log its progress",
		Run:   runFollow,
	}
)

func runFollow(cmd *cobra.Command, args []string) {
	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("config init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = common.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := common.RootLogger().WithModule(moduleName)

	// Trap Ctrl+C and SIGTERM; the latter is issued by Kubernetes to request a shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("follow failed", "err", err)
		os.Exit(1)
	}
	logger.Info("follow finished")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	b, err := common.NewBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("failed to close backend", "err", err)
		}
	}()
	promServer, err := common.NewMetricsService(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		// Everything else only lives as long as the follow subscription.
		defer cancel()
		return b.Run(groupCtx)
	})
	group.Go(func() error { return logEvents(groupCtx, b, logger) })
	group.Go(func() error { return logFinalizedHeaders(groupCtx, b, logger) })
	group.Go(func() error { return logRuntimes(groupCtx, b, logger) })
	if promServer != nil {
		group.Go(func() error { return promServer.Run(groupCtx) })
	}
	if cfg.Metrics != nil && cfg.Metrics.PprofEndpoint != "" {
		group.Go(func() error { return common.RunPprof(groupCtx, cfg.Metrics.PprofEndpoint) })
	}
	return group.Wait()
}

// streamDone maps the end of a stream to a nil error.
func streamDone(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return err
}

func logEvents(ctx context.Context, b *backend.Backend, logger *log.Logger) error {
	sub := b.ChainHeadFollow()
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return streamDone(ctx, err)
		}
		switch e := ev.(type) {
		case *follow.Initialized:
			logger.Info("following chain", "finalized", e.FinalizedBlock.Hash().Hex())
		case *follow.NewBlock:
			logger.Debug("new block", "block", e.Block.Hash().Hex(), "parent", e.ParentBlock.Hash().Hex())
		case *follow.BestBlockChanged:
			logger.Info("best block changed", "block", e.BestBlock.Hash().Hex())
		case *follow.Finalized:
			if len(e.PrunedBlocks) > 0 {
				logger.Info("blocks pruned", "count", len(e.PrunedBlocks))
			}
		case *nodeapi.Stop:
			logger.Warn("follow subscription stopped by the node")
		}
		follow.ReleaseEvent(ev)
	}
}

func logFinalizedHeaders(ctx context.Context, b *backend.Backend, logger *log.Logger) error {
	headers := b.StreamFinalizedBlockHeaders()
	defer headers.Close()
	for {
		header, err := headers.Next(ctx)
		if err != nil {
			return streamDone(ctx, err)
		}
		logger.Info("block finalized", "block", header.Block.Hash().Hex(), "header_size", len(header.Header))
		header.Block.Release()
	}
}

func logRuntimes(ctx context.Context, b *backend.Backend, logger *log.Logger) error {
	runtimes := b.StreamRuntimeVersion()
	defer runtimes.Close()
	for {
		v, err := runtimes.Next(ctx)
		switch {
		case errors.Is(err, backend.ErrInvalidRuntime):
			logger.Warn("node reported an invalid runtime", "err", err)
			continue
		case err != nil:
			return streamDone(ctx, err)
		}
		logger.Info("runtime", "spec_version", v.SpecVersion, "transaction_version", v.TransactionVersion)
	}
}

// Register registers the follow sub-command.
func Register(parentCmd *cobra.Command) {
	followCmd.Flags().StringVar(&configFile, "config", "./conf/chainhead.yml", "path to the config.yml file")
	parentCmd.AddCommand(followCmd)
}
