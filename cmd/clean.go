package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/hotupdate/internal/engine/orchestrator"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/updater"
)

func newCleanCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove leftover temp and package files from the temp root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := opts.settings
			root := settings.Paths.PackageRoot
			if err := os.MkdirAll(root, 0o755); err != nil {
				return err
			}

			lock := flock.New(filepath.Join(root, updater.LockFileName))
			locked, err := lock.TryLock()
			if err != nil {
				return err
			}
			if !locked {
				return types.NewError(types.ErrLocked, "clean", "", fmt.Errorf("an update pass is running on %s", root))
			}
			defer func() { _ = lock.Unlock() }()

			removed := orchestrator.CleanTempRoot(settings.Paths.TempRoot, settings.General.PackageExtension)
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d files from %s\n", removed, settings.Paths.TempRoot)
			return nil
		},
	}
}
