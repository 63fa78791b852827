// Command cipherchatd runs the cipherchat relay server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cipherchat/cipherchat/auth"
	"github.com/cipherchat/cipherchat/config"
	"github.com/cipherchat/cipherchat/directory"
	"github.com/cipherchat/cipherchat/presence"
	"github.com/cipherchat/cipherchat/relay"
	"github.com/cipherchat/cipherchat/storage"
	"github.com/cipherchat/cipherchat/transport"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "cipherchatd",
		Short:        "End-to-end encrypted message relay server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "cipherchatd.toml", "path to the TOML configuration file")

	root.AddCommand(issueTokenCommand(&configPath))
	return root
}

// issueTokenCommand mints a session token for a user, for tooling and
// testing against a running relay.
func issueTokenCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "issue-token <user-id>",
		Short: "Issue a session token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			authenticator, err := auth.NewHMACAuthenticator([]byte(cfg.AuthSecret))
			if err != nil {
				return err
			}
			token, err := authenticator.Issue(args[0], time.Now().Add(cfg.TokenLifetime()))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func run(cfg *config.Config) error {
	if err := configureLogging(cfg.Logging); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.OpenBoltStore(filepath.Join(cfg.DataDir, "messages.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	authenticator, err := auth.NewHMACAuthenticator([]byte(cfg.AuthSecret))
	if err != nil {
		return err
	}

	dir := directory.NewMemoryDirectory()
	router := relay.NewRouter(presence.NewRegistry(), store, authenticator,
		relay.WithKeyRegistrar(dir),
		relay.WithLastSeenHook(func(userID string, at time.Time) {
			logrus.WithFields(logrus.Fields{
				"user_id":   userID,
				"last_seen": at,
			}).Debug("Last seen updated")
		}))

	server, err := transport.Listen(cfg.Listen, router)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"listen":   cfg.Listen,
		"data_dir": cfg.DataDir,
	}).Info("cipherchatd started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.Info("Shutting down")
	return server.Close()
}

func configureLogging(cfg config.Logging) error {
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		logrus.SetLevel(level)
	}
	return nil
}
