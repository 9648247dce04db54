package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chainfunnel/internal/application"
	"chainfunnel/internal/infrastructure/ethrpc"
	"chainfunnel/internal/infrastructure/logging"
	"chainfunnel/internal/submission"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "readblock <from> [to]",
		Short: "Fetch blocks through the funnel and print them as JSON",
		Long: `Fetches a single block, or the range [from, to], exactly as the feed would see it.
A range stops at the first block that fails or times out.`,
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE:         runReadBlock,
		Example:      "  readblock --rpc-url http://localhost:8545 --contract 0x... 1200 1210",
	}
	cmd.Flags().String("rpc-url", os.Getenv("RPC_URL"), "ledger JSON-RPC endpoint")
	cmd.Flags().String("contract", os.Getenv("CONTRACT_ADDRESS"), "game contract address")
	cmd.Flags().Duration("block-timeout", application.DefaultBlockTimeout, "per-block fetch timeout")
	cmd.Flags().String("log-level", "warn", "log level")
	return cmd
}

func runReadBlock(cmd *cobra.Command, args []string) error {
	from, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing from block: %w", err)
	}
	to := from
	if len(args) == 2 {
		if to, err = strconv.ParseUint(args[1], 10, 64); err != nil {
			return fmt.Errorf("parsing to block: %w", err)
		}
	}
	if to < from {
		return fmt.Errorf("to block %d is below from block %d", to, from)
	}

	rpcURL, _ := cmd.Flags().GetString("rpc-url")
	contract, _ := cmd.Flags().GetString("contract")
	blockTimeout, _ := cmd.Flags().GetDuration("block-timeout")
	logLevel, _ := cmd.Flags().GetString("log-level")

	if err := ethrpc.ValidateContractAddress(contract); err != nil {
		return err
	}
	logger := logging.New(cmd.ErrOrStderr(), "text", logging.ParseLevel(logLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := ethrpc.Connect(ctx, ethrpc.Config{URL: rpcURL, ContractAddress: contract}, time.Second, 3)
	if err != nil {
		return err
	}
	funnel, err := application.NewFunnel(client, submission.NewDecoder(), nil, logger, application.FunnelConfig{
		BlockTimeout: blockTimeout,
	})
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")

	if len(args) == 1 {
		block, err := funnel.FetchSingle(ctx, from)
		if err != nil {
			return fmt.Errorf("block %d (%s): %w", from, application.ErrorKind(err), err)
		}
		return encoder.Encode(block)
	}

	blocks := funnel.FetchRange(ctx, from, to)
	if err := encoder.Encode(blocks); err != nil {
		return err
	}
	if requested := to - from + 1; uint64(len(blocks)) < requested {
		fmt.Fprintf(cmd.ErrOrStderr(), "range truncated: %d of %d blocks, first missing %d\n", len(blocks), requested, from+uint64(len(blocks)))
	}
	return nil
}
