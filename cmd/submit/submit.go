// Package submit implements the `submit` sub-command.
package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oasisprotocol/chainhead/backend"
	"github.com/oasisprotocol/chainhead/cmd/common"
	"github.com/oasisprotocol/chainhead/config"
	"github.com/oasisprotocol/chainhead/log"
)

const moduleName = "submit_cmd"

var (
	// Path to the configuration file.
	configFile string
	// Hex-encoded extrinsic to submit.
	txHex string

	submitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Submit a transaction and watch it until it is finalized",
		Run:   runSubmit,
	}
)

func runSubmit(cmd *cobra.Command, args []string) {
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("config init failed",
			"error", err,
		)
		os.Exit(1)
	}
	if err = common.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := common.RootLogger().WithModule(moduleName)

	tx, err := hexutil.Decode(txHex)
	if err != nil {
		logger.Error("malformed transaction", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, tx, logger); err != nil {
		logger.Error("submission failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, tx []byte, logger *log.Logger) error {
	b, err := common.NewBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("failed to close backend", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := b.Run(groupCtx)
		if err == nil && groupCtx.Err() == nil {
			return backend.ErrSubscriptionDropped
		}
		return err
	})
	group.Go(func() error {
		// The driver is only needed until the transaction is settled.
		defer cancel()
		return watch(groupCtx, b, tx, logger)
	})
	return group.Wait()
}

func watch(ctx context.Context, b *backend.Backend, tx []byte, logger *log.Logger) error {
	progress, err := b.SubmitTransaction(ctx, tx)
	if err != nil {
		return err
	}
	defer func() {
		if err := progress.Close(); err != nil {
			logger.Debug("failed to unwatch transaction", "err", err)
		}
	}()

	for {
		status, err := progress.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		keyvals := []interface{}{"status", status.Kind}
		switch status.Kind {
		case backend.TransactionBroadcasted:
			keyvals = append(keyvals, "num_peers", status.NumPeers)
		case backend.TransactionInBestBlock, backend.TransactionInFinalizedBlock:
			keyvals = append(keyvals, "block", status.Block.Hash().Hex(), "pinned", status.Block.Pinned())
			status.Block.Release()
		case backend.TransactionDropped, backend.TransactionInvalid:
			keyvals = append(keyvals, "message", status.Message)
		}
		logger.Info("transaction status", keyvals...)

		if status.Kind == backend.TransactionInvalid || status.Kind == backend.TransactionDropped {
			return fmt.Errorf("transaction %s: %s", status.Kind, status.Message)
		}
	}
}

// Register registers the submit sub-command.
func Register(parentCmd *cobra.Command) {
	submitCmd.Flags().StringVar(&configFile, "config", "./conf/chainhead.yml", "path to the config.yml file")
	submitCmd.Flags().StringVar(&txHex, "tx", "", "hex-encoded extrinsic to submit")
	_ = submitCmd.MarkFlagRequired("tx")
	parentCmd.AddCommand(submitCmd)
}
