package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/saltyorg/pqlmem"
	"github.com/saltyorg/pqlmem/internal/auth"
	"github.com/saltyorg/pqlmem/internal/reaper"
)

func newListCmd() *cobra.Command {
	var all, asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List databases recorded in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			defer cat.Close()
			setupLogging(cmd, settingsLoader(cat), "")

			records, err := cat.List(cmd.Context(), all)
			if err != nil {
				return err
			}
			for _, r := range records {
				r.URI = pqlmem.RedactURI(r.URI)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCREATED\tAGE\tSTATUS\tURI")
			for _, r := range records {
				status := "live"
				if !r.Live() {
					status = "dropped"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.Name,
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					time.Since(r.CreatedAt).Truncate(time.Second),
					status,
					r.URI,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include dropped databases")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newGCCmd() *cobra.Command {
	var engine engineFlags
	var olderThan time.Duration
	var parallelism int
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Drop every live database in the catalog",
		Long:  `Drop the live databases recorded in the catalog, or only those older than --older-than.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cat, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			defer cat.Close()

			loader := settingsLoader(cat)
			setupLogging(cmd, loader, "")

			opts, err := engine.options(cmd, loader)
			if err != nil {
				return err
			}
			mgr, err := pqlmem.New(opts, pqlmem.WithRecorder(cat))
			if err != nil {
				return err
			}
			defer func() {
				if stopErr := mgr.Stop(context.Background()); stopErr != nil {
					err = multierr.Append(err, stopErr)
				}
			}()

			rp := reaper.New(cat, mgr, reaper.Config{Parallelism: parallelism})
			n, err := rp.Reap(cmd.Context(), time.Now().Add(-olderThan))
			log.Info().Int("dropped", n).Msg("Garbage collection finished")
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d database(s)\n", n)
			return err
		},
	}
	engine.register(cmd.Flags())
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only drop databases older than this")
	cmd.Flags().IntVar(&parallelism, "parallelism", reaper.DefaultParallelism, "Concurrent drops")
	return cmd
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage the API key stored in the catalog",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Generate a new API key and store its hash",
			RunE: func(cmd *cobra.Command, args []string) error {
				cat, err := openCatalog(cmd)
				if err != nil {
					return err
				}
				defer cat.Close()

				key, err := auth.NewAPIKeyService(cat, "").RegenerateAPIKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Remove the stored API key",
			RunE: func(cmd *cobra.Command, args []string) error {
				cat, err := openCatalog(cmd)
				if err != nil {
					return err
				}
				defer cat.Close()
				return auth.NewAPIKeyService(cat, "").DisableAPIKey()
			},
		},
	)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage settings stored in the catalog",
		Long: `Settings stored in the catalog are defaults for serve, run and gc. Keys match the
environment variables without the PQLMEM_ prefix, e.g. reaper.ttl for PQLMEM_REAPER_TTL.
Flags and environment variables take precedence.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print a setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cat, err := openCatalog(cmd)
				if err != nil {
					return err
				}
				defer cat.Close()
				val, err := cat.GetSetting(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), val)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if args[0] == auth.HashSettingKey {
					return fmt.Errorf("use 'pqlmem apikey generate' to set %s", auth.HashSettingKey)
				}
				cat, err := openCatalog(cmd)
				if err != nil {
					return err
				}
				defer cat.Close()
				return cat.SetSetting(args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "unset <key>",
			Short: "Remove a setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cat, err := openCatalog(cmd)
				if err != nil {
					return err
				}
				defer cat.Close()
				return cat.DeleteSetting(args[0])
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print every setting",
			RunE: func(cmd *cobra.Command, args []string) error {
				cat, err := openCatalog(cmd)
				if err != nil {
					return err
				}
				defer cat.Close()
				settings, err := cat.GetAllSettings()
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(settings))
				for k := range settings {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					v := settings[k]
					if k == auth.HashSettingKey {
						v = "(set)"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, v)
				}
				return nil
			},
		},
	)
	return cmd
}
