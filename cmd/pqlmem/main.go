package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/saltyorg/pqlmem/internal/catalog"
	"github.com/saltyorg/pqlmem/internal/config"
	"github.com/saltyorg/pqlmem/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// envPrefix namespaces every environment fallback, e.g. PQLMEM_CATALOG
const envPrefix = "PQLMEM"

const defaultCatalogPath = "./pqlmem.db"

// Global flags
var (
	catalogPath string
	logFile     string
	verbosity   int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pqlmem",
		Short: "pqlmem - disposable PostgreSQL databases",
		Long: `pqlmem provisions short-lived PostgreSQL databases for tests and local development.
It runs an embedded postgres (or uses an external server), creates uniquely named
databases on demand and drops them again.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&catalogPath, "catalog", "c", defaultCatalogPath, "SQLite catalog path (or set PQLMEM_CATALOG env var)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file, rotated (or set PQLMEM_LOG_FILE env var)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newListCmd(),
		newGCCmd(),
		newAPIKeyCmd(),
		newConfigCmd(),
		newNotifyCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("pqlmem %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)

	return rootCmd
}

// envLoader reads settings from PQLMEM_* environment variables only
func envLoader() *config.Loader {
	return config.NewLoader(config.EnvGetter{Prefix: envPrefix})
}

// settingsLoader reads PQLMEM_* environment variables first, then catalog settings
func settingsLoader(cat *catalog.Catalog) *config.Loader {
	return config.NewLoader(config.Chain{config.EnvGetter{Prefix: envPrefix}, cat})
}

// resolveCatalogPath applies the PQLMEM_CATALOG fallback when the flag was not given
func resolveCatalogPath(cmd *cobra.Command) string {
	if cmd.Flags().Changed("catalog") {
		return catalogPath
	}
	return envLoader().String("catalog", catalogPath)
}

// openCatalog opens and migrates the catalog
func openCatalog(cmd *cobra.Command) (*catalog.Catalog, error) {
	path := resolveCatalogPath(cmd)
	cat, err := catalog.New(path)
	if err != nil {
		return nil, err
	}
	if err := cat.Migrate(); err != nil {
		cat.Close()
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return cat, nil
}

// setupLogging configures the global logger. defaultFile is used when neither
// --log-file nor PQLMEM_LOG_FILE is set.
func setupLogging(cmd *cobra.Command, loader *config.Loader, defaultFile string) {
	path := logFile
	if !cmd.Flags().Changed("log-file") {
		path = envLoader().String("log_file", defaultFile)
	}
	if path == "-" {
		path = ""
	}
	logging.Apply(logging.LevelFromVerbosity(verbosity), loader, path)
}
