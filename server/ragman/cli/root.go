package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"msg_rag/server/ragman/app"
)

// EngineBuilder constructs the engine a command runs against.
type EngineBuilder func(ctx context.Context, cfg app.Config) (*app.Engine, error)

type rootOptions struct {
	store    string
	source   string
	snapshot bool
	jsonOut  bool
}

// NewRootCommand creates the ragctl command tree.
func NewRootCommand(load func() app.Config, build EngineBuilder) *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "ragctl",
		Short:         "Operate the chat history context engine",
		Long:          `ragctl backfills the vector store from the message database and runs retrieval against it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.store, "store", "", "vector store backend (memory, qdrant)")
	rootCmd.PersistentFlags().StringVar(&opts.source, "source", "", "message source (postgres, dbman, none)")
	rootCmd.PersistentFlags().BoolVar(&opts.snapshot, "snapshot", false, "restore and persist the memory store through MinIO")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print results as JSON")

	run := func(cmd *cobra.Command, fn func(ctx context.Context, engine *app.Engine) error) error {
		cfg := load()
		if opts.store != "" {
			cfg.StoreBackend = opts.store
		}
		if opts.source != "" {
			cfg.MessageSource = opts.source
		}
		if cmd.Flags().Changed("snapshot") {
			cfg.SnapshotEnabled = opts.snapshot
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		engine, err := build(ctx, cfg)
		if err != nil {
			return err
		}
		if err := engine.RAG.Start(ctx); err != nil {
			_ = engine.Close(ctx)
			return err
		}
		runErr := fn(ctx, engine)
		if err := engine.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	}

	rootCmd.AddCommand(newBackfillCommand(opts, run))
	rootCmd.AddCommand(newQueryCommand(opts, run))
	rootCmd.AddCommand(newContextCommand(opts, run))
	rootCmd.AddCommand(newStatsCommand(opts, run))
	return rootCmd
}

type runFunc func(cmd *cobra.Command, fn func(ctx context.Context, engine *app.Engine) error) error

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
