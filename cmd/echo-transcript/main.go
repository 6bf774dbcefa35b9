package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"echo-transcript/internal/tui"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// exitError carries a child process exit status out of RunE.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	var (
		resume      string
		continueRun bool
		noAltScreen bool
	)
	root := &cobra.Command{
		Use:   "echo-transcript [prompt]",
		Short: "Terminal chat transcript with a streaming model, command runs and patch approvals",
		Long: `echo-transcript keeps a conversation as an event-sourced transcript and
renders it in the terminal. Without a subcommand it opens the interactive UI;
any arguments become the first prompt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if continueRun && resume != "" {
				return errors.New("--resume and --continue are mutually exclusive")
			}
			return runInteractive(cmd, flags, interactiveOptions{
				prompt:    strings.Join(args, " "),
				resume:    resume,
				latest:    continueRun,
				altScreen: !noAltScreen,
			})
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.echo-transcript/config.toml)")
	pf.StringArrayVarP(&flags.overrides, "override", "c", nil, "override a config value, key=value (repeatable)")
	pf.StringSliceVar(&flags.enable, "enable", nil, "enable a feature (repeatable)")
	pf.StringSliceVar(&flags.disable, "disable", nil, "disable a feature (repeatable)")
	pf.StringVarP(&flags.workdir, "cd", "C", "", "working directory for commands and sessions")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.Flags().StringVar(&resume, "resume", "", "resume a saved session by id")
	root.Flags().BoolVar(&continueRun, "continue", false, "resume the latest session for the working directory")
	root.Flags().BoolVar(&noAltScreen, "no-alt-screen", false, "keep the transcript in the terminal scrollback")

	root.AddCommand(
		newRunCmd(flags),
		newAskCmd(flags),
		newShowCmd(flags),
		newExportCmd(flags),
		newUndoCmd(flags),
		newSessionsCmd(flags),
		newReplayCmd(flags),
		newFeaturesCmd(flags),
	)
	return root
}

type interactiveOptions struct {
	prompt    string
	resume    string
	latest    bool
	altScreen bool
}

func runInteractive(cmd *cobra.Command, flags *rootFlags, opts interactiveOptions) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, flags, true)
	if err != nil {
		return err
	}
	defer a.Close()
	ctrl, err := a.newController(nil, true)
	if err != nil {
		return err
	}
	if opts.resume != "" || opts.latest {
		rec, err := ctrl.Resume(ctx, opts.resume)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		a.log.Infof("resumed session %s (%d records)", rec.ID, len(rec.Snapshot.Records))
	}

	res, err := tui.Run(tui.Options{
		Controller:    ctrl,
		Theme:         a.cfg.Render.Theme,
		ShowReasoning: a.cfg.Render.ReasoningVisible,
		InitialPrompt: opts.prompt,
	}, opts.altScreen)
	if err != nil {
		return err
	}
	if res.Records == 0 {
		return nil
	}
	if ctrl.Busy() {
		if _, err := ctrl.Interrupt(ctx); err != nil {
			a.log.Warnf("interrupt on exit: %v", err)
		}
	}
	rec, err := ctrl.Save(ctx)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	printExitSummary(cmd, rec.ID)
	return nil
}

func printExitSummary(cmd *cobra.Command, sessionID string) {
	if sessionID == "" {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "To continue this session, run echo-transcript --resume %s\n", sessionID)
}
