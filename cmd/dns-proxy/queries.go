package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"dns-proxy/pkg/config"
	"dns-proxy/pkg/logging"
	"dns-proxy/pkg/storage"

	"github.com/spf13/cobra"
)

// openQueryLog opens the SQLite query log named in the config, whether or
// not logging to it is enabled for the running proxy.
func openQueryLog(configPath, dbPath string) (*storage.SQLiteStorage, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	storageCfg := cfg.Storage
	storageCfg.Enabled = true
	if dbPath != "" {
		storageCfg.Path = dbPath
	}
	return storage.NewSQLiteStorage(&storageCfg, nil, logging.NewDiscard())
}

func newQueriesCmd(configPath *string) *cobra.Command {
	var (
		dbPath    string
		domain    string
		limit     int
		offset    int
		asJSON    bool
		local     bool
		forwarded bool
	)

	cmd := &cobra.Command{
		Use:   "queries",
		Short: "Show recent entries of the query log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openQueryLog(*configPath, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var entries []*storage.QueryLog
			if domain != "" {
				entries, err = store.GetQueriesByDomain(cmd.Context(), domain, limit)
			} else {
				entries, err = store.GetRecentQueries(cmd.Context(), limit, offset)
			}
			if err != nil {
				return err
			}
			if local != forwarded {
				entries = filterLocal(entries, local)
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tCLIENT\tDOMAIN\tTYPE\tRESOLUTION\tUPSTREAM\tANSWER\tMS")
			for _, q := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.1f\n",
					q.Timestamp.Local().Format(time.DateTime),
					q.ClientIP, q.Domain, q.QueryType, q.Resolution,
					dash(q.Upstream), dash(q.Answer), q.ResponseTimeMs)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "query log database (overrides storage.path)")
	cmd.Flags().StringVar(&domain, "domain", "", "only show queries for this domain")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&local, "local", false, "only queries answered from hosts or domains")
	cmd.Flags().BoolVar(&forwarded, "forwarded", false, "only queries sent upstream")
	return cmd
}

// filterLocal keeps the entries whose resolution is local (or not)
func filterLocal(entries []*storage.QueryLog, local bool) []*storage.QueryLog {
	out := entries[:0]
	for _, q := range entries {
		if q.Resolution.Local() == local {
			out = append(out, q)
		}
	}
	return out
}

func newStatsCmd(configPath *string) *cobra.Command {
	var (
		dbPath string
		since  time.Duration
		top    int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the query log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openQueryLog(*configPath, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.GetStatistics(cmd.Context(), time.Now().Add(-since))
			if err != nil {
				return err
			}
			domains, err := store.GetTopDomains(cmd.Context(), top)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"statistics":  stats,
					"top_domains": domains,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queries since %s\n\n", stats.Since.Local().Format(time.DateTime))
			fmt.Fprintf(out, "  total:          %d\n", stats.TotalQueries)
			fmt.Fprintf(out, "  local:          %d (%.1f%%)\n", stats.LocalQueries, stats.LocalRate)
			fmt.Fprintf(out, "  forwarded:      %d\n", stats.ForwardedQueries)
			fmt.Fprintf(out, "  fallback:       %d\n", stats.FallbackQueries)
			fmt.Fprintf(out, "  failed:         %d (%.1f%%)\n", stats.FailedQueries, stats.FailureRate)
			fmt.Fprintf(out, "  unique domains: %d\n", stats.UniqueDomains)
			fmt.Fprintf(out, "  unique clients: %d\n", stats.UniqueClients)
			fmt.Fprintf(out, "  avg response:   %.2fms\n", stats.AvgResponseTimeMs)

			if len(domains) > 0 {
				fmt.Fprintln(out, "\nTop domains:")
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, d := range domains {
					fmt.Fprintf(tw, "  %s\t%d\n", d.Domain, d.QueryCount)
				}
				return tw.Flush()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "query log database (overrides storage.path)")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "time window")
	cmd.Flags().IntVar(&top, "top", 10, "number of top domains")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
