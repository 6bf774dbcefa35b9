package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"echo-transcript/internal/features"
	"echo-transcript/internal/history"
	"echo-transcript/internal/journal"
	"echo-transcript/internal/session"

	"github.com/spf13/cobra"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		save  bool
		width int
	)
	cmd := &cobra.Command{
		Use:   "run [flags] [--] command [args...]",
		Short: "Run a command and print its transcript cell",
		Long: `Runs the command in the working directory, records it as an exec cell
and prints the rendered transcript. The process exit status is passed through.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctrl, err := a.newController(nil, false)
			if err != nil {
				return err
			}
			res, runErr := ctrl.RunCommand(ctx, args)
			if err := printTranscript(ctx, cmd.OutOrStdout(), ctrl, widthOr(width, a.cfg.Render.Width), false); err != nil {
				return err
			}
			if save {
				if err := saveAndReport(ctx, cmd, ctrl); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if res.ExitCode != 0 {
				return &exitError{code: res.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVar(&save, "save", false, "save the transcript as a session")
	cmd.Flags().IntVar(&width, "width", 0, "render width (default render.width)")
	return cmd
}

func newAskCmd(flags *rootFlags) *cobra.Command {
	var (
		save      bool
		sessionID string
		width     int
	)
	cmd := &cobra.Command{
		Use:   "ask [flags] prompt...",
		Short: "Send one prompt, wait for the reply and print the transcript",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctrl, err := a.newController(nil, true)
			if err != nil {
				return err
			}
			if sessionID != "" {
				if _, err := ctrl.Resume(ctx, sessionID); err != nil {
					return fmt.Errorf("resume %s: %w", sessionID, err)
				}
			}
			if err := ctrl.Submit(ctx, strings.Join(args, " ")); err != nil {
				return err
			}
			stop := context.AfterFunc(ctx, func() {
				_, _ = ctrl.Interrupt(context.Background())
			})
			turnErr := ctrl.Wait()
			stop()

			if err := printTranscript(ctx, cmd.OutOrStdout(), ctrl, widthOr(width, a.cfg.Render.Width), false); err != nil {
				return err
			}
			if save || sessionID != "" {
				if err := saveAndReport(ctx, cmd, ctrl); err != nil {
					return err
				}
			}
			return turnErr
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "save the transcript as a session")
	cmd.Flags().StringVar(&sessionID, "session", "", "continue a saved session (saved again afterwards)")
	cmd.Flags().IntVar(&width, "width", 0, "render width (default render.width)")
	return cmd
}

func newShowCmd(flags *rootFlags) *cobra.Command {
	var (
		width int
		color bool
	)
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctrl, err := a.newController(nil, false)
			if err != nil {
				return err
			}
			if _, err := ctrl.Resume(ctx, args[0]); err != nil {
				return err
			}
			return printTranscript(ctx, cmd.OutOrStdout(), ctrl, widthOr(width, a.cfg.Render.Width), color)
		},
	}
	cmd.Flags().IntVar(&width, "width", 0, "render width (default render.width)")
	cmd.Flags().BoolVar(&color, "color", false, "keep ANSI styling")
	return cmd
}

func newExportCmd(flags *rootFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write a session snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()
			rec, err := a.snapshots.Load(ctx, args[0])
			if err != nil {
				return err
			}
			data, err := history.MarshalSnapshot(rec.Snapshot)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return os.WriteFile(out, append(data, '\n'), 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func newUndoCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "undo <session-id> <history-id>",
		Short: "Drop every record after history-id and save the session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid history id %q", args[1])
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctrl, err := a.newController(nil, false)
			if err != nil {
				return err
			}
			if _, err := ctrl.Resume(ctx, args[0]); err != nil {
				return err
			}
			m, err := ctrl.UndoTo(ctx, history.HistoryID(id))
			if err != nil {
				return err
			}
			rec, err := ctrl.Save(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d records; session %s now has %d (rev %s)\n",
				len(m.Removed), rec.ID, len(rec.Snapshot.Records), rec.Revision)
			return nil
		},
	}
}

func newSessionsCmd(flags *rootFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List saved sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()
			workdir := a.workdir
			if all {
				workdir = ""
			}
			infos, err := a.snapshots.List(ctx, workdir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "no saved sessions")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUPDATED\tRECORDS\tTITLE")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", info.ID, info.Updated.Local().Format(time.DateTime), info.Records, info.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include sessions from every working directory")
	return cmd
}

func newReplayCmd(flags *rootFlags) *cobra.Command {
	var (
		save  bool
		width int
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "replay <journal.jsonl>",
		Short: "Rebuild a transcript from an event journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, false)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := journal.Replay(args[0])
			if err != nil {
				return err
			}
			// 回放出来的会话不应再写回日志。
			a.cfg.Persist.Journal = false
			ctrl, err := a.newController(res.State, false)
			if err != nil {
				return err
			}
			if err := ctrl.Store().CheckInvariants(ctx); err != nil {
				return fmt.Errorf("replayed state is inconsistent: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "replayed %d events (%d skipped)\n", res.Applied, res.Skipped)
			if !quiet {
				if err := printTranscript(ctx, out, ctrl, widthOr(width, a.cfg.Render.Width), false); err != nil {
					return err
				}
			}
			if save {
				return saveAndReport(ctx, cmd, ctrl)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "save the replayed transcript as a new session")
	cmd.Flags().IntVar(&width, "width", 0, "render width (default render.width)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the counts")
	return cmd
}

func newFeaturesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List feature flags and whether they are enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, spec := range features.Specs {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", spec.Key, spec.Stage, features.Enabled(cfg, spec.Key), spec.Description)
			}
			return tw.Flush()
		},
	}
}

func saveAndReport(ctx context.Context, cmd *cobra.Command, ctrl *session.Controller) error {
	rec, err := ctrl.Save(ctx)
	if errors.Is(err, session.ErrNoSnapshots) {
		return errors.New("no snapshot store configured")
	}
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "saved session %s (rev %s)\n", rec.ID, rec.Revision)
	return nil
}

func widthOr(width, fallback int) int {
	if width > 0 {
		return width
	}
	return fallback
}
