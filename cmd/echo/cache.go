package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/FranksOps/echo/internal/cache"
	"github.com/FranksOps/echo/internal/storage"
)

var errNoStore = errors.New("the memory cache backend has nothing to inspect; set cache.backend")

func newCacheCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persistent results cache",
	}
	cmd.AddCommand(newCacheListCmd(o), newCachePurgeCmd(o))
	return cmd
}

func newCacheListCmd(o *rootOptions) *cobra.Command {
	var (
		since  time.Duration
		filter storage.Filter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached results, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd.Context(), o.cfg.Cache)
			if err != nil {
				return err
			}
			if store == nil {
				return errNoStore
			}
			defer store.Close()

			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			entries, err := store.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tCREATED\tEXPIRES\tPOSTS\tKEYWORDS")
			for _, e := range entries {
				var v cache.Value
				posts, keywords := "?", "?"
				if err := json.Unmarshal(e.Payload, &v); err == nil {
					posts = fmt.Sprint(len(v.Posts))
					keywords = strings.Join(v.Intent.Keywords, ", ")
				}
				expires := "never"
				if !e.ExpiresAt.IsZero() {
					expires = e.ExpiresAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					shortKey(e.Key), e.CreatedAt.Local().Format(time.DateTime), expires, posts, keywords)
			}
			return w.Flush()
		},
	}

	fl := cmd.Flags()
	fl.DurationVar(&since, "since", 0, "only entries created within this window, e.g. 1h")
	fl.IntVar(&filter.Limit, "limit", 50, "maximum entries")
	fl.IntVar(&filter.Offset, "offset", 0, "entries to skip")
	fl.BoolVar(&filter.IncludeExpired, "expired", false, "include expired entries")
	fl.BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func newCachePurgeCmd(o *rootOptions) *cobra.Command {
	var age time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd.Context(), o.cfg.Cache)
			if err != nil {
				return err
			}
			if store == nil {
				return errNoStore
			}
			defer store.Close()

			n, err := store.Purge(cmd.Context(), time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&age, "expired-for", 0, "only entries that expired at least this long ago")
	return cmd
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}
