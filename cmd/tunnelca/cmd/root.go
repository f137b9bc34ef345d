package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmcleod/tunnelca/authority"
	"github.com/jmcleod/tunnelca/bundle"
	"github.com/jmcleod/tunnelca/configstore"
	boltstore "github.com/jmcleod/tunnelca/configstore/bbolt"
	"github.com/jmcleod/tunnelca/configstore/postgres"
	"github.com/jmcleod/tunnelca/pki"
)

// Version is set at build time.
var Version = "dev"

const envPrefix = "TUNNELCA_"

var (
	envFile        string
	dataDir        string
	postgresDSN    string
	logFormat      string
	logLevel       string
	keyBits        int
	authorityKeyID bool
	metricsFile    string

	logger   = slog.Default()
	registry = prometheus.NewRegistry()
)

var rootCmd = &cobra.Command{
	Use:   "tunnelca",
	Short: "tunnelca is the certificate authority of a VPN and proxy daemon",
	Long: `Bootstraps a root authority, issues client chains signed by it and
mints bearer tokens with the stored signing secret.

Flags may also be set through TUNNELCA_* environment variables, for example
TUNNELCA_DATA_DIR, optionally loaded from a .env file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnv(cmd.Flags()); err != nil {
			return err
		}
		l, err := newLogger(logFormat, logLevel)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if metricsFile == "" {
			return nil
		}
		return prometheus.WriteToTextfile(metricsFile, registry)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&envFile, "env-file", ".env", "Optional dotenv file with TUNNELCA_* settings")
	pf.StringVar(&dataDir, "data-dir", "./data", "Directory for the bbolt configuration store")
	pf.StringVar(&postgresDSN, "postgres-dsn", "", "Use PostgreSQL for the configuration store instead of bbolt")
	pf.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pf.IntVar(&keyBits, "key-bits", pki.MinKeyBits, "RSA key size for issued certificates")
	pf.BoolVar(&authorityKeyID, "authority-key-id", false, "Add an AuthorityKeyIdentifier extension to issued leaves")
	pf.StringVar(&metricsFile, "metrics-file", "", "Write issuance metrics in Prometheus text format to this file on exit")
}

// loadEnv reads envFile, if present, and applies TUNNELCA_* variables to every
// flag not set on the command line.
func loadEnv(flags *pflag.FlagSet) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		value, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}
		if err := f.Value.Set(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// openStore opens the configured configuration store. The returned func
// closes it.
func openStore(ctx context.Context) (configstore.Store, func(), error) {
	if postgresDSN != "" {
		store, err := postgres.NewFromDSN(ctx, postgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, store.Close, nil
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := boltstore.NewFromFile(filepath.Join(dataDir, "tunnelca.db"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open configuration store: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing configuration store", "error", err)
		}
	}, nil
}

func newFactory() *pki.Factory {
	var builderOpts []pki.BuilderOption
	if authorityKeyID {
		builderOpts = append(builderOpts, pki.WithAuthorityKeyID())
	}
	return pki.NewFactory(
		pki.WithKeyBits(keyBits),
		pki.WithExtensionBuilder(pki.NewExtensionBuilder(builderOpts...)),
		pki.WithLogger(logger),
		pki.WithMetrics(metrics()),
	)
}

var pkiMetrics *pki.Metrics

func metrics() *pki.Metrics {
	if pkiMetrics == nil {
		pkiMetrics = pki.NewMetrics(registry)
	}
	return pkiMetrics
}

func newService(store configstore.Store) *authority.Service {
	return authority.New(store,
		authority.WithFactory(newFactory()),
		authority.WithPackager(bundle.NewPackager(bundle.WithLogger(logger))),
		authority.WithLogger(logger),
	)
}
