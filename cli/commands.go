package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newUploadCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file.csv|->",
		Short: "Validate and stage a dataset for the next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			res, err := g.client().Upload(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s rows, %d columns, %s\n",
				okStyle.Render("staged"), res.DatasetID,
				humanize.Comma(int64(res.Rows)), len(res.Headers), humanize.Bytes(uint64(res.Size)))
			return nil
		},
	}
}

func newStartCmd(g *globals) *cobra.Command {
	var (
		datasetID string
		features  []string
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a simulation on the staged dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := g.client().Start(cmd.Context(), datasetID, features)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", stateLabel(ref.Status), deref(ref.RunID))
			if follow {
				return runWatch(cmd, g, watchOptions{})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&datasetID, "dataset", "", "dataset id returned by upload (default: whatever is staged)")
	cmd.Flags().StringSliceVarP(&features, "feature", "f", nil, "feature toggle to enable (repeatable)")
	cmd.Flags().BoolVarP(&follow, "watch", "w", false, "follow progress until the run ends")
	return cmd
}

func newStopCmd(g *globals) *cobra.Command {
	var allowIdle bool
	cmd := &cobra.Command{
		Use:   "stop [run_id]",
		Short: "Stop the active simulation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runID string
			if len(args) == 1 {
				runID = args[0]
			}
			ref, err := g.client().Stop(cmd.Context(), runID, allowIdle)
			if err != nil {
				return err
			}
			if ref.RunID == nil {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("nothing running"))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", stateLabel(ref.Status), *ref.RunID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowIdle, "allow-idle", false, "succeed when nothing is running")
	return cmd
}

func newResetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset progress and clear the log view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().Reset(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(st))
			return nil
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run_id]",
		Short: "Show the latest run, or one run by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := g.client()
			if len(args) == 1 {
				rec, err := client.Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderRun(rec))
				return nil
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(st))
			return nil
		},
	}
}

func newLogsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the most recent simulation output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := g.client().Logs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), renderLogLine(line))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of lines (server default when 0)")
	return cmd
}

func newArchivesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "List archived runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := g.client().Archives(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderArchives(entries))
			return nil
		},
	}
	cmd.AddCommand(newDownloadCmd(g))
	return cmd
}

func newDownloadCmd(g *globals) *cobra.Command {
	var (
		logs   bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "download <run_id>",
		Short: "Download the output (or log) artifact of an archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			artifact, name := "output", runID+"_output.csv"
			if logs {
				artifact, name = "logs", runID+".log"
			}
			if output != "" {
				name = output
			}

			var w io.Writer = cmd.OutOrStdout()
			if name != "-" {
				f, err := os.Create(name)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := g.client().Download(cmd.Context(), runID, artifact, w)
			if err != nil {
				if name != "-" {
					_ = os.Remove(name)
				}
				return err
			}
			if name != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s)\n", name, humanize.Bytes(uint64(n)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&logs, "logs", false, "download the log instead of the output")
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file, - for stdout")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
