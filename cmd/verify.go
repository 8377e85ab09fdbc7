package cmd

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/hotupdate/internal/engine"
	"github.com/surge-downloader/hotupdate/internal/engine/negotiate"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/engine/verify"
)

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check installed packages against their recorded or negotiated digests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := opts.settings
			out := cmd.OutOrStdout()

			var pkgs []types.PackageDescriptor
			if remote {
				runtime := types.ConvertRuntimeConfig(settings.ToRuntimeConfig())
				n := negotiate.New(negotiate.ConfigFromSettings(settings), engine.NewHTTPClient(runtime))
				manifest, err := n.Negotiate(cmd.Context())
				if err != nil {
					return err
				}
				pkgs = manifest.Packages()
			} else {
				store, err := openStore(settings)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()

				installed, err := store.Installed(cmd.Context())
				if err != nil {
					return err
				}
				for _, p := range installed {
					pkgs = append(pkgs, types.PackageDescriptor{Name: p.Name, Size: p.Size, Hash: p.Hash})
				}
			}

			v := verify.New(settings.Paths.PackageRoot)
			var invalid *multierror.Error
			bad := 0
			for _, pkg := range pkgs {
				if err := v.Check(pkg); err != nil {
					invalid = multierror.Append(invalid, err)
					bad++
					fmt.Fprintf(out, "✘ %s: %v\n", pkg.Name, err)
					continue
				}
				fmt.Fprintf(out, "✔ %s\n", pkg.Name)
			}
			fmt.Fprintf(out, "%d packages checked, %d invalid\n", len(pkgs), bad)
			return invalid.ErrorOrNil()
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "verify against a freshly negotiated manifest instead of the ledger")
	return cmd
}
