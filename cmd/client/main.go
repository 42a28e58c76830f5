package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/openmined/sealbox/internal/client"
	"github.com/openmined/sealbox/internal/client/config"
	"github.com/openmined/sealbox/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SEALBOX"

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sealbox",
		Short:   "Sealbox end-to-end encrypted sync client",
		Version: version.Detailed(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(cmd)
			if err != nil {
				return err
			}

			// all good now, show header
			cmd.SilenceUsage = true
			showHeader(cfg)

			closeLog, err := setupLogger(logFilePath(cfg))
			if err != nil {
				return err
			}
			defer closeLog()

			c, err := client.New(cfg)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			if err := c.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	rootCmd.Flags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Sealbox config file")
	rootCmd.PersistentFlags().StringP("sync-dir", "d", config.DefaultSyncDir, "Directory to keep in sync")
	rootCmd.PersistentFlags().StringP("server", "s", "", "Server URL (tls://host:port, dir:///path, s3://bucket/prefix)")
	rootCmd.PersistentFlags().StringP("user", "u", "", "Username on the server")
	rootCmd.PersistentFlags().String("state-dir", config.DefaultStateDir, "Directory for local sync state and logs")
	rootCmd.PersistentFlags().String("ca-cert", "", "PEM certificate trusted for tls:// servers")

	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newPasswdCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	// optional, values already in the environment win
	_ = godotenv.Load()

	closeLog, err := setupLogger("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges, from highest priority: changed flags, SEALBOX_*
// environment variables, the config file and flag defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	configPath := resolveConfigPath(cmd)
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	for key, flag := range map[string]string{
		"sync_dir":   "sync-dir",
		"server_url": "server",
		"username":   "user",
		"state_dir":  "state-dir",
		"ca_cert":    "ca-cert",
	} {
		if f := cmd.Flag(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	return &config.Config{
		Path:          configPath,
		SyncDir:       v.GetString("sync_dir"),
		ServerURL:     v.GetString("server_url"),
		CACert:        v.GetString("ca_cert"),
		Username:      v.GetString("username"),
		AccessToken:   v.GetString("access_token"),
		StateDir:      v.GetString("state_dir"),
		LegacyIV:      v.GetString("legacy_iv"),
		KDFIterations: v.GetInt("kdf_iterations"),
		SyncInterval:  v.GetDuration("sync_interval"),
		S3Region:      v.GetString("s3_region"),
		S3Endpoint:    v.GetString("s3_endpoint"),
		S3AccessKey:   v.GetString("s3_access_key"),
		S3SecretKey:   v.GetString("s3_secret_key"),
		Password:      v.GetString("password"),
	}, nil
}

// loadValidConfig loads and validates the config and makes sure a password
// is available, prompting for one on a terminal.
func loadValidConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Password == "" {
		if cfg.Password, err = promptPassword("Password: "); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func showHeader(cfg *config.Config) {
	fmt.Printf("%s %s\n", cyan(version.AppName), version.Short())
	fmt.Printf("Sync Dir: %s\n", green(cfg.SyncDir))
	fmt.Printf("Server:   %s\n", green(cfg.ServerURL))
}
