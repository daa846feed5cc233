package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/saltyorg/pqlmem"
)

type runFlags struct {
	engine     engineFlags
	name       string
	migrations string
	keep       bool
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create one database, print its URI and drop it on exit",
		Long: `Start the engine, create a database (optionally applying migrations), print its
connection URI on stdout and wait for SIGINT/SIGTERM. The database is dropped and the
engine stopped before exiting unless --keep is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, f)
		},
	}

	f.engine.register(cmd.Flags())
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "Database name (default: generated)")
	cmd.Flags().StringVarP(&f.migrations, "migrations", "m", "", "Apply the *.sql files in this directory after creating the database")
	cmd.Flags().BoolVar(&f.keep, "keep", false, "Leave the database in place on exit")

	return cmd
}

func runOnce(cmd *cobra.Command, f *runFlags) (err error) {
	cat, err := openCatalog(cmd)
	if err != nil {
		return err
	}
	defer cat.Close()

	loader := settingsLoader(cat)
	setupLogging(cmd, loader, "")

	opts, err := f.engine.options(cmd, loader)
	if err != nil {
		return err
	}
	mgr, err := pqlmem.New(opts, pqlmem.WithRecorder(cat))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Stop runs on every exit path so an embedded engine never outlives the command
	defer func() {
		if stopErr := mgr.Stop(context.Background()); stopErr != nil {
			err = multierr.Append(err, stopErr)
		}
	}()

	uri, err := mgr.NewDB(ctx, f.name)
	if err != nil {
		return err
	}

	if !f.keep {
		defer func() {
			if dropErr := mgr.DropDB(context.Background(), uri); dropErr != nil {
				err = multierr.Append(err, dropErr)
			}
		}()
	}

	if f.migrations != "" {
		res, err := mgr.RunMigrations(ctx, uri, f.migrations)
		if err != nil {
			return err
		}
		log.Info().Strs("applied", res.Applied).Msg("Migrations applied")
	}

	fmt.Fprintln(cmd.OutOrStdout(), uri)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
	}
	return nil
}
