package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/logging"
	"github.com/NicolasHaas/gochat/pkg/server"
	"github.com/NicolasHaas/gochat/pkg/store"
	"github.com/NicolasHaas/gochat/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	// The YAML file is applied first so explicit flags override it.
	if path := configPath(os.Args[1:]); path != "" {
		if err := server.LoadConfigFile(path, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	flag.String("config", "", "YAML config file (applied before flags)")
	flag.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "TCP bind address")
	flag.StringVar(&cfg.UsersFile, "users", cfg.UsersFile, "JSON credential file")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite credential database (overrides -users when set)")
	flag.IntVar(&cfg.MaxLineBytes, "max-line", cfg.MaxLineBytes, "Largest accepted inbound frame in bytes")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Time allowed to log in (0 disables)")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Disconnect sessions silent for this long (0 disables)")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-frame write deadline (0 disables)")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "How long shutdown waits for connections")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.DurationVar(&cfg.MetricsLogInterval, "metrics-log", cfg.MetricsLogInterval, "Periodic metrics log interval (0 disables)")
	flag.BoolVar(&cfg.ExportUsers, "export-users", false, "Export all users as YAML and exit")
	flag.BoolVar(&cfg.MigrateCredentials, "migrate", false, "Hash every plaintext credential and exit")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner("gochat-server"))
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	slog.Info("starting gochat", "version", version.String())

	backend, err := openBackend(cfg)
	if err != nil {
		slog.Error("open credential backend", "err", err)
		os.Exit(1)
	}
	st, err := store.Open(backend, store.Options{})
	if err != nil {
		_ = backend.Close()
		slog.Error("load credentials", "err", err)
		os.Exit(1)
	}

	// Handle one-shot commands (run and exit)
	if cfg.ExportUsers || cfg.MigrateCredentials {
		code := runOneShot(cfg, st)
		_ = st.Close()
		os.Exit(code)
	}

	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func openBackend(cfg server.Config) (datastore.CredentialStore, error) {
	if cfg.DBPath != "" {
		slog.Info("using SQLite credential store", "path", cfg.DBPath)
		return datastore.NewSQLiteStore(cfg.DBPath)
	}
	slog.Info("using JSON credential file", "path", cfg.UsersFile)
	return datastore.NewFileStore(cfg.UsersFile), nil
}

func runOneShot(cfg server.Config, st *store.Store) int {
	if cfg.MigrateCredentials {
		n, err := st.MigrateAll()
		if err != nil {
			slog.Error("migrate credentials", "err", err)
			return 1
		}
		slog.Info("credential migration complete", "upgraded", n)
	}
	if cfg.ExportUsers {
		data, err := server.ExportUsersYAML(st)
		if err != nil {
			slog.Error("export users", "err", err)
			return 1
		}
		fmt.Print(string(data))
	}
	return 0
}

// configPath picks the -config value out of args without parsing the
// other flags.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := strings.TrimPrefix(args[i], "-")
		arg = strings.TrimPrefix(arg, "-")
		if arg == args[i] {
			continue
		}
		if name, value, ok := strings.Cut(arg, "="); ok {
			if name == "config" {
				return value
			}
			continue
		}
		if arg == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
