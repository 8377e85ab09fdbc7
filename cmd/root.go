package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/hotupdate/internal/config"
	"github.com/surge-downloader/hotupdate/internal/state"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// globalOptions is shared by every subcommand
type globalOptions struct {
	configPath string
	logLevel   string
	settings   *config.Settings
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "hotupdate",
		Short: "Keep an application's content packages in sync with the update server",
		Long: `hotupdate asks the update server which content packages the current version
and platform should have, downloads the missing or stale ones in byte-range
chunks, verifies and installs them, and mounts the result.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				settings.General.LogLevel = opts.logLevel
			}
			utils.SetLogLevel(settings.General.LogLevel)
			if err := utils.OpenLogFile(settings.Paths.StateDir); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: logging disabled: %v\n", err)
			}
			utils.Debug("hotupdate %s (built %s), settings from %s", Version, BuildTime, settingsPath(opts))
			opts.settings = settings
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default "+config.GetSettingsPath()+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.SetVersionTemplate("hotupdate version {{.Version}}\n")

	root.AddCommand(
		newRunCmd(opts),
		newVerifyCmd(opts),
		newCleanCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// Execute runs the CLI and exits non-zero on error
func Execute() {
	root := newRootCmd()
	err := root.Execute()
	utils.CloseLogFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func settingsPath(opts *globalOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	return config.GetSettingsPath()
}

func openStore(settings *config.Settings) (*state.Store, error) {
	store, err := state.Open(state.DefaultPath(settings.Paths.StateDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return store, nil
}
