package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
	"github.com/ch0002ic/balanced-corridor-planner/internal/protocol"
	"github.com/ch0002ic/balanced-corridor-planner/internal/watch"
)

type watchOptions struct {
	follow bool // keep watching across runs
	logs   bool // print process output above the bar
}

func newWatchCmd(g *globals) *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live progress of the active run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, g, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.follow, "follow", false, "keep watching after the run ends")
	cmd.Flags().BoolVar(&opts.logs, "logs", false, "print simulation output")
	return cmd
}

func runWatch(cmd *cobra.Command, g *globals, opts watchOptions) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	envelopes := make(chan protocol.Envelope, 256)

	client := watch.New(watch.Options{URL: g.wsURL, Logger: g.logger})
	unsubscribe := client.Subscribe(func(env protocol.Envelope) {
		select {
		case envelopes <- env:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", g.wsURL, err)
	}
	defer client.Disconnect()
	defer cancel() // release a blocked observer before Disconnect waits

	t := newTracker(cmd.ErrOrStderr(), cmd.OutOrStdout(), opts)
	for {
		select {
		case <-ctx.Done():
			t.close()
			return nil
		case env := <-envelopes:
			done, err := t.handle(env)
			if done || err != nil {
				t.close()
				return err
			}
		}
	}
}

// tracker renders the envelope stream as a progress bar plus messages.
type tracker struct {
	bar    *progressbar.ProgressBar
	out    io.Writer
	opts   watchOptions
	total  int
	active bool // a run was seen in an active state
}

func newTracker(barOut, out io.Writer, opts watchOptions) *tracker {
	return &tracker{
		bar:  newBar(barOut, domain.DefaultTotalUnits),
		out:  out,
		opts: opts,
	}
}

func newBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("waiting"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
	)
}

func (t *tracker) progress(c domain.CanonicalState) {
	if c.Total > 0 && c.Total != t.total {
		t.total = c.Total
		t.bar.ChangeMax(c.Total)
	}
	_ = t.bar.Set(min(c.Completed, t.bar.GetMax()))
	t.bar.Describe(fmt.Sprintf("sim %s, util %d%%", formatSimTime(c.Elapsed), c.Utilization()))
}

func (t *tracker) println(s string) {
	_ = t.bar.Clear()
	fmt.Fprintln(t.out, s)
}

// handle applies one envelope. done reports that watching should end.
func (t *tracker) handle(env protocol.Envelope) (done bool, err error) {
	switch env.Type {
	case protocol.TypeState:
		var p protocol.StatePayload
		if err := env.Decode(&p); err != nil {
			return false, err
		}
		t.progress(p.Canonical)
		if p.State.IsActive() {
			t.active = true
			return false, nil
		}
		if t.active && !t.opts.follow {
			// the run ended while we were disconnected
			return t.finish(p.Run)
		}
		if !t.opts.follow {
			if p.Run != nil {
				t.println(renderRun(p.Run))
			} else {
				t.println(dimStyle.Render("nothing running"))
			}
			return true, nil
		}

	case protocol.TypeStats, protocol.TypeComplete:
		var p protocol.StatsPayload
		if err := env.Decode(&p); err != nil {
			return false, err
		}
		t.progress(p.Canonical)

	case protocol.TypeRunState:
		var p protocol.RunStatePayload
		if err := env.Decode(&p); err != nil {
			return false, err
		}
		t.progress(p.Canonical)
		if p.Run == nil {
			return false, nil
		}
		if p.Run.State.IsActive() {
			t.active = true
			return false, nil
		}
		if p.Run.State.IsTerminal() && !t.opts.follow {
			return t.finish(p.Run)
		}
		t.println(renderRun(p.Run))
		t.active = false

	case protocol.TypeLog:
		if !t.opts.logs {
			return false, nil
		}
		var line domain.LogLine
		if err := env.Decode(&line); err != nil {
			return false, err
		}
		t.println(renderLogLine(line))

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return false, err
		}
		t.println(errorStyle.Render(p.Code+": ") + p.Message)

	case protocol.TypeChannelUnavailable:
		var p protocol.ChannelUnavailablePayload
		_ = env.Decode(&p)
		return true, fmt.Errorf("live channel unavailable after %d attempts: %s", p.Attempts, p.Reason)
	}
	return false, nil
}

func (t *tracker) finish(run *domain.RunRecord) (bool, error) {
	if run == nil {
		return true, nil
	}
	if run.State == domain.RunStateCompleted {
		_ = t.bar.Finish()
	}
	t.println(renderRun(run))
	if run.State == domain.RunStateFailed {
		return true, fmt.Errorf("run %s failed", run.RunID)
	}
	return true, nil
}

func (t *tracker) close() {
	_ = t.bar.Exit()
}
