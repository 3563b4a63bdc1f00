// commands.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"savepoint/internal/checkpoint"
	"savepoint/internal/git"
	"savepoint/internal/version"
)

// cli holds state shared by every command of one invocation
type cli struct {
	root    string
	verbose bool
	stderr  io.Writer
	app     *App
}

// newRootCmd builds the command tree around c
func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "savepoint",
		Short:         "Versioned checkpoints with undo, redo and restore",
		Long:          "savepoint records every save of a project as a versioned checkpoint and lets you move between them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.app = NewApp(AppOptions{Root: c.root, Verbose: c.verbose, Stderr: c.stderr})
			return c.app.Startup(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.root, "root", "C", ".", "project root")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		c.initCmd(),
		c.saveCmd(),
		c.undoCmd(),
		c.redoCmd(),
		c.restoreCmd(),
		c.mergeCmd(),
		c.setChannelCmd(),
		c.versionCmd(),
		c.statusCmd(),
		c.historyCmd(),
		c.journalCmd(),
		c.watchCmd(),
		c.pushCmd(),
	)
	return rootCmd
}

// --- Checkpoints ---

func (c *cli) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the version record and the first checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Init()
			if err != nil {
				return err
			}
			printSave(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func (c *cli) saveCmd() *cobra.Command {
	var (
		major, minor, patch, noIncrement bool
		setVersion                       string
	)

	cmd := &cobra.Command{
		Use:   "save [message...]",
		Short: "Save all changes as a new checkpoint",
		Long:  "Save all changes as a new checkpoint. Without a message, one is generated from the changed files.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := version.Patch
			switch {
			case setVersion != "":
				kind = version.Manual
			case major:
				kind = version.Major
			case minor:
				kind = version.Minor
			case noIncrement:
				kind = version.None
			}

			res, err := c.app.Save(strings.Join(args, " "), kind, setVersion)
			if err != nil {
				return err
			}
			printSave(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&major, "major", false, "bump the major version")
	cmd.Flags().BoolVar(&minor, "minor", false, "bump the minor version")
	cmd.Flags().BoolVar(&patch, "patch", false, "bump the patch version (default)")
	cmd.Flags().BoolVar(&noIncrement, "no-increment", false, "keep the current version")
	cmd.Flags().StringVar(&setVersion, "set-version", "", "set an explicit version such as 2.0.0-B")
	cmd.MarkFlagsMutuallyExclusive("major", "minor", "patch", "no-increment", "set-version")
	return cmd
}

func (c *cli) undoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Move back one checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Undo()
			if err != nil {
				return err
			}
			printNavigation(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func (c *cli) redoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redo",
		Short: "Return to the most recently undone checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Redo()
			if err != nil {
				return err
			}
			printNavigation(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func (c *cli) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <checkpoint>",
		Short: "Jump to any checkpoint, parking the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Restore(args[0])
			if err != nil {
				return err
			}
			printNavigation(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func (c *cli) mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <checkpoint>",
		Short: "Merge another checkpoint into the working tree without saving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Merge(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch res.Status {
			case git.MergeUpToDate:
				fmt.Fprintf(out, "Already up to date with %s\n", git.ShortID(res.Source))
			case git.MergeConflicted:
				fmt.Fprintf(out, "Merged %s with conflicts:\n", git.ShortID(res.Source))
				for _, p := range res.Conflicts {
					fmt.Fprintf(out, "  %s\n", p)
				}
				fmt.Fprintln(out, "Resolve them, then run save.")
			default:
				fmt.Fprintf(out, "Merged %s; run save to keep the result\n", git.ShortID(res.Source))
			}
			return nil
		},
	}
}

func (c *cli) setChannelCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set-channel <alpha|beta|stable>",
		Short:     "Switch the prerelease channel",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{version.ChannelAlpha, version.ChannelBeta, version.ChannelStable},
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.app.SetChannel(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Channel %s, version %s\n", info.Channel, info.Version)
			return nil
		},
	}
}

// --- Queries ---

func (c *cli) versionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the current version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := c.app.GetVersionInfo()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show unsaved changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.app.GetStatus()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}

			out := cmd.OutOrStdout()
			head := "(no checkpoints)"
			if st.Head != "" {
				head = git.ShortID(st.Head)
			}
			fmt.Fprintf(out, "On %s at %s\n", st.Branch, head)
			if len(st.Entries) == 0 {
				fmt.Fprintln(out, "Nothing to save")
				return nil
			}
			for _, e := range st.Entries {
				fmt.Fprintf(out, "  %-10s %s\n", e.Status, e.Path)
			}
			if !st.Dirty {
				fmt.Fprintln(out, "Only untracked files; navigation is allowed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List checkpoints and parked archive refs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := c.app.GetHistory(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), h)
			}

			out := cmd.OutOrStdout()
			for _, cp := range h.Checkpoints {
				marker := " "
				if cp.ID == h.Head {
					marker = "*"
				}
				subject, _, _ := strings.Cut(cp.Message, "\n")
				fmt.Fprintf(out, "%s %s %s  %s\n", marker, cp.ShortID, cp.When.Local().Format(time.DateTime), subject)
			}
			if len(h.Archives) > 0 {
				fmt.Fprintln(out, "\nArchived:")
				for _, a := range h.Archives {
					ahead := ""
					if a.Ahead {
						ahead = " (redo)"
					}
					fmt.Fprintf(out, "  %s%s\n", a.Name, ahead)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum checkpoints to list (0 for all)")
	return cmd
}

func (c *cli) journalCmd() *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recorded operations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := c.app.GetJournal(limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}

			out := cmd.OutOrStdout()
			for _, e := range entries {
				line := fmt.Sprintf("%s %-11s %s", e.At.Local().Format(time.DateTime), e.Operation, git.ShortID(e.Commit))
				if e.Version != "" {
					line += " " + e.Version
				}
				if e.ArchiveRef != "" {
					line += " parked " + e.ArchiveRef
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries to list (0 for all)")
	return cmd
}

// --- Live ---

func (c *cli) watchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream working tree status changes as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.app.Watch(ctx, cmd.OutOrStdout(), debounce)
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 300*time.Millisecond, "quiet period before a change is reported")
	return cmd
}

func (c *cli) pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [remote]",
		Short: "Push the current branch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := ""
			if len(args) == 1 {
				remote = args[0]
			}
			res, err := c.app.Push(remote)
			if res != nil {
				fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			}
			return err
		},
	}
}

// --- Output ---

func printSave(w io.Writer, res *checkpoint.SaveResult) {
	if !res.Saved {
		fmt.Fprintln(w, "Nothing to save")
		return
	}
	subject, _, _ := strings.Cut(res.Message, "\n")
	fmt.Fprintf(w, "Saved %s as %s: %s\n", res.Version, git.ShortID(res.Commit), subject)
}

func printNavigation(w io.Writer, res *checkpoint.NavigationResult) {
	if res.NoOp {
		fmt.Fprintf(w, "Already at %s\n", git.ShortID(res.To))
		return
	}
	fmt.Fprintf(w, "Moved from %s to %s\n", git.ShortID(res.From), git.ShortID(res.To))
	if res.ArchiveRef != "" {
		fmt.Fprintf(w, "Parked %s\n", res.ArchiveRef)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// execute runs the command tree with the given arguments
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := &cli{stderr: stderr}
	defer func() {
		if c.app != nil {
			c.app.Shutdown()
		}
	}()

	cmd := newRootCmd(c)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}
