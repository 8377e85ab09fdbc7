package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/hotupdate/internal/engine/events"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/mount"
	"github.com/surge-downloader/hotupdate/internal/tui"
	"github.com/surge-downloader/hotupdate/internal/updater"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	var useTUI, skip bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one update pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := *opts.settings
			if skip {
				settings.General.SkipUpdate = true
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			store, err := openStore(&settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			registry := mount.NewRegistry()
			evCh := make(chan any, types.ProgressChannelBuffer)
			u := updater.New(updater.Options{
				Settings: &settings,
				Events:   evCh,
				Mounter:  mount.NewVerifyingMounter(settings.Paths.PackageRoot, settings.General.PackageExtension, registry),
				Recorder: store,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if useTUI && colorTerminal() {
				err = runTUI(ctx, u, evCh)
			} else {
				err = runPlain(ctx, cmd.OutOrStdout(), u, evCh)
			}
			if err == nil {
				utils.Debug("Mounted %d packages", len(registry.Mounted()))
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&useTUI, "tui", false, "show a terminal progress view")
	cmd.Flags().BoolVar(&skip, "skip", false, "skip the update and report it finished")
	return cmd
}

// colorTerminal reports whether stdout can show the TUI
func colorTerminal() bool {
	return termenv.EnvColorProfile() != termenv.Ascii
}

func runPlain(ctx context.Context, out io.Writer, u *updater.Updater, evCh chan any) error {
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for msg := range evCh {
			printEvent(out, msg)
		}
	}()

	err := u.StartUp(ctx)
	if err == nil {
		err = waitPass(ctx, u)
	}
	close(evCh)
	<-printed
	return err
}

func runTUI(ctx context.Context, u *updater.Updater, evCh chan any) error {
	if err := u.StartUp(ctx); err != nil {
		return err
	}

	skip := &guardedSkip{skip: u.ForceSkip}
	p := tea.NewProgram(tui.NewRootModel(evCh, skip.Do), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		utils.Warn("TUI exited: %v", err)
	}
	// The view is gone; keep publishers from blocking
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range evCh {
		}
	}()

	// A skip command may still be running after the program returned
	skip.Disable()

	if !u.State().Terminal() {
		_ = u.ForceSkip()
	}
	err := waitPass(ctx, u)
	close(evCh)
	<-drained
	return err
}

// guardedSkip lets the view trigger a skip until Disable returns
type guardedSkip struct {
	mu       sync.Mutex
	disabled bool
	skip     func() error
}

func (g *guardedSkip) Do() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disabled {
		return nil
	}
	return g.skip()
}

// Disable waits for an in-flight Do and rejects later ones
func (g *guardedSkip) Disable() {
	g.mu.Lock()
	g.disabled = true
	g.mu.Unlock()
}

// waitPass waits for the pass to settle even after ctx was cancelled
func waitPass(ctx context.Context, u *updater.Updater) error {
	err := u.Wait(ctx)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return u.Wait(context.Background())
	}
	return err
}

func printEvent(w io.Writer, msg any) {
	switch m := msg.(type) {
	case events.PhaseMsg:
		switch {
		case m.Err != nil:
			fmt.Fprintf(w, "Error while %s: %v\n", m.Detail, m.Err)
		case m.Detail != "":
			fmt.Fprintf(w, "==> %s (%s)\n", m.State, m.Detail)
		default:
			fmt.Fprintf(w, "==> %s\n", m.State)
		}
	case events.FileStartedMsg:
		fmt.Fprintf(w, "  ↓ %s (%s)\n", m.Name, utils.ConvertBytesToHumanReadable(m.Total))
	case events.FileDoneMsg:
		if m.Err != nil {
			fmt.Fprintf(w, "  ✘ %s: %v\n", m.Name, m.Err)
		} else {
			fmt.Fprintf(w, "  ✔ %s\n", m.Name)
		}
	case events.ProgressMsg:
		fmt.Fprintf(w, "  %5.1f%%  %s / %s  %s\n", m.Percent(),
			utils.ConvertBytesToHumanReadable(m.BytesDone),
			utils.ConvertBytesToHumanReadable(m.BytesTotal), m.Speed)
	case events.MountProgressMsg:
		fmt.Fprintf(w, "  mounted %s (%.0f%%)\n", m.Name, m.Progress*100)
	case events.FinishedMsg:
		fmt.Fprintln(w, tui.FinishedSummary(m.Skipped, len(m.Packages), len(m.Downloaded)))
	}
}
