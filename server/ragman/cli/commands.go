package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"msg_rag/server/ragman/app"
	"msg_rag/server/ragman/domain"
	"msg_rag/server/ragman/service"
)

func newBackfillCommand(opts *rootOptions, run runFunc) *cobra.Command {
	var (
		limit int
		since string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Index historical messages",
		Long:  `Read messages from the configured source and index every text message not yet in the store.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hopts := service.HistoricalOptions{Limit: limit}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since must use RFC3339 format: %w", err)
				}
				hopts.Since = t
			}
			return run(cmd, func(ctx context.Context, engine *app.Engine) error {
				result, err := engine.RAG.IndexHistorical(ctx, hopts)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "success=%d failed=%d skipped=%d\n", result.Success, result.Failed, result.Skipped)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 1000, "maximum number of messages to read")
	cmd.Flags().StringVar(&since, "since", "", "only messages at or after this RFC3339 time")
	return cmd
}

type scopeFlags struct {
	kind           string
	conversationID string
	timeRange      string
	topK           int
}

func (f *scopeFlags) register(cmd *cobra.Command, defaultTopK int) {
	cmd.Flags().StringVar(&f.kind, "kind", "", "conversation kind (direct, group)")
	cmd.Flags().StringVar(&f.conversationID, "conversation", "", "conversation id to scope the search")
	cmd.Flags().StringVar(&f.timeRange, "range", "", "time range (recent, day, week, month, all)")
	cmd.Flags().IntVarP(&f.topK, "top-k", "k", defaultTopK, "maximum number of results")
}

func newQueryCommand(opts *rootOptions, run runFunc) *cobra.Command {
	var (
		scope    scopeFlags
		strategy string
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve relevant history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := domain.RetrievalQuery{
				Query:            strings.Join(args, " "),
				ConversationKind: domain.ConversationKind(scope.kind),
				ConversationID:   scope.conversationID,
				TopK:             scope.topK,
				Strategy:         domain.Strategy(strategy),
				TimeRange:        domain.TimeRange(scope.timeRange),
			}
			return run(cmd, func(ctx context.Context, engine *app.Engine) error {
				resp, err := engine.RAG.Retrieve(ctx, q)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				if len(resp.Sources) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no results")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "RELEVANCE\tCONVERSATION\tSENDER\tTIME\tCONTENT")
				for _, src := range resp.Sources {
					fmt.Fprintf(w, "%.3f\t%s/%s\t%s\t%s\t%s\n",
						src.Relevance,
						src.Metadata.ConversationKind, src.Metadata.ConversationID,
						src.Metadata.SenderName,
						src.Metadata.Timestamp.Format(time.RFC3339),
						truncate(src.Content, 80))
				}
				return w.Flush()
			})
		},
	}

	scope.register(cmd, 5)
	cmd.Flags().StringVarP(&strategy, "strategy", "s", string(domain.StrategyHybrid), "search strategy (vector, keyword, hybrid)")
	return cmd
}

func newContextCommand(opts *rootOptions, run runFunc) *cobra.Command {
	var (
		scope       scopeFlags
		recentLimit int
		maxLength   int
	)

	cmd := &cobra.Command{
		Use:   "context <text>",
		Short: "Build the context block for a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := service.ContextRequest{
				Query:            strings.Join(args, " "),
				ConversationKind: domain.ConversationKind(scope.kind),
				ConversationID:   scope.conversationID,
				TimeRange:        domain.TimeRange(scope.timeRange),
				TopK:             scope.topK,
				RecentLimit:      recentLimit,
				MaxLength:        maxLength,
			}
			return run(cmd, func(ctx context.Context, engine *app.Engine) error {
				resp, err := engine.RAG.BuildContext(ctx, req)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprint(cmd.OutOrStdout(), resp.Context)
				return nil
			})
		},
	}

	scope.register(cmd, 0)
	cmd.Flags().IntVar(&recentLimit, "recent", 0, "number of recent lines to append")
	cmd.Flags().IntVar(&maxLength, "max-length", 0, "context budget in characters")
	return cmd
}

func newStatsCommand(opts *rootOptions, run runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store and indexer statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, engine *app.Engine) error {
				stats := engine.RAG.Stats(ctx)
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "storage\t%s\n", stats.StorageType)
				fmt.Fprintf(w, "ready\t%t\n", stats.Ready)
				fmt.Fprintf(w, "records\t%d\n", stats.Count)
				fmt.Fprintf(w, "queue\t%d\n", stats.QueueLength)
				fmt.Fprintf(w, "embedding\t%s (%s)\n", stats.EmbeddingMode, stats.EmbeddingModel)
				return w.Flush()
			})
		},
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
