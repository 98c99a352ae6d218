package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailattach/internal/model"
	"github.com/nhle/mailattach/internal/store"
)

var (
	cacheLsSource string
	cacheLsQuery  string
	cacheLsSort   string
	cacheLsLimit  int
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the attachment cache",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached attachments",
	RunE:  runCacheLs,
}

func init() {
	cacheLsCmd.Flags().StringVar(&cacheLsSource, "source", "", "Only entries from this source (remote_api, direct_url)")
	cacheLsCmd.Flags().StringVar(&cacheLsQuery, "query", "", "Filter by name or content type")
	cacheLsCmd.Flags().StringVar(&cacheLsSort, "sort", "cached_at", "Sort by cached_at, size or name")
	cacheLsCmd.Flags().IntVar(&cacheLsLimit, "limit", 0, "Maximum number of entries (0 for all)")
	cacheCmd.AddCommand(cacheLsCmd)
}

func runCacheLs(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.index == nil {
		return fmt.Errorf("cache index %s is unavailable", cfg.Cache.IndexPath)
	}

	filter := store.EntryFilter{
		SortBy:   cacheLsSort,
		SortDesc: true,
		Limit:    cacheLsLimit,
	}
	if cacheLsSource != "" {
		src := model.SourceKind(cacheLsSource)
		filter.Source = &src
	}
	if cacheLsQuery != "" {
		filter.Query = &cacheLsQuery
	}

	entries, err := a.index.GetEntries(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "Cache is empty.")
		return nil
	}

	total, err := a.index.TotalSize(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderEntries(entries, time.Now()))
	fmt.Fprintf(cmd.OutOrStdout(), "%d entries shown, %s cached in %s\n", len(entries), formatSize(total), a.cache.Dir())
	return nil
}
