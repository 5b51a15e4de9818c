package supervisor

import (
	"context"
	"errors"
	"io"
	"iter"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ch0002ic/balanced-corridor-planner/internal/archive"
	"github.com/ch0002ic/balanced-corridor-planner/internal/codec"
	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
	"github.com/ch0002ic/balanced-corridor-planner/internal/protocol"
)

// output merges both pipes into one sequence of lines, ending once both
// streams reach EOF or are closed.
func output(stdout, stderr io.Reader) iter.Seq[domain.LogLine] {
	return func(yield func(domain.LogLine) bool) {
		lines := make(chan domain.LogLine, 256)
		var wg sync.WaitGroup
		pump := func(r io.Reader, stream domain.Stream) {
			defer wg.Done()
			for line := range codec.ScanLines(r) {
				lines <- domain.LogLine{Stream: stream, Text: line.Text, Time: time.Now(), Truncated: line.Truncated}
			}
		}
		wg.Add(2)
		go pump(stdout, domain.StreamStdout)
		go pump(stderr, domain.StreamStderr)
		go func() {
			wg.Wait()
			close(lines)
		}()

		done := false
		for line := range lines {
			if !done && !yield(line) {
				done = true
			}
		}
	}
}

// dispatch is the single consumer of a run's output. The process is reaped
// concurrently; dispatch returns once the output is drained, the process has
// exited and the run is finalized.
func (s *Supervisor) dispatch(r *run, stdout, stderr *os.File) {
	s.mu.Lock()
	cmd := r.cmd
	s.mu.Unlock()

	var (
		waitErr  error
		exitedAt time.Time
	)
	exited := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		exitedAt = time.Now()
		close(exited)
	}()

	drained := make(chan struct{})
	go s.releaseOutput(r, cmd, exited, drained, stdout, stderr)

	dec := codec.NewDecoder(s.opts.Marker)
	for line := range output(stdout, stderr) {
		s.handleLine(r, dec, line)
	}
	close(drained)
	stdout.Close()
	stderr.Close()
	<-exited

	if n := dec.Malformed(); n > 0 {
		s.log.Warn().Str("run_id", r.record.RunID).Int64("malformed", n).Msg("ignored malformed progress lines")
	}
	s.exit(r, cmd, waitErr, exitedAt)
}

// releaseOutput ends the output of a run whose process has exited while
// descendants still hold its pipes open. After OutputGrace the process group
// is killed; if the pipes are still open one more grace later (a descendant
// left the group), the read ends are closed.
func (s *Supervisor) releaseOutput(r *run, cmd *exec.Cmd, exited, drained <-chan struct{}, pipes ...*os.File) {
	select {
	case <-drained:
		return
	case <-exited:
	}

	timer := time.NewTimer(s.opts.OutputGrace)
	defer timer.Stop()
	select {
	case <-drained:
		return
	case <-timer.C:
	}

	logger := s.log.With().Str("run_id", r.record.RunID).Logger()
	logger.Warn().Dur("grace", s.opts.OutputGrace).Msg("simulation exited but its output is still open, killing leftover processes")
	if err := killGroup(cmd.Process.Pid); err != nil {
		logger.Warn().Err(err).Msg("failed to kill process group")
	}

	timer.Reset(s.opts.OutputGrace)
	select {
	case <-drained:
		return
	case <-timer.C:
	}

	logger.Warn().Msg("output still held open outside the process group, closing it")
	for _, p := range pipes {
		p.Close()
	}
}

func (s *Supervisor) handleLine(r *run, dec *codec.Decoder, line domain.LogLine) {
	runID := r.record.RunID
	if line.Truncated > 0 {
		s.log.Warn().
			Str("run_id", runID).
			Str("stream", string(line.Stream)).
			Int("dropped_bytes", line.Truncated).
			Msg("truncated overlong output line")
	}
	if r.artifact != nil {
		if _, err := io.WriteString(r.artifact, line.Display()+"\n"); err != nil {
			s.log.Debug().Err(err).Str("run_id", runID).Msg("failed to write log artifact")
		}
	}

	text, _, marked := dec.Split(line.Text)
	if !marked || strings.TrimSpace(text) != "" {
		logged := line
		logged.Text = text
		logged = s.deps.Logs.Append(logged)
		s.deps.Hub.Publish(protocol.Must(protocol.TypeLog, runID, logged))
	}
	if !marked {
		return
	}

	ev, ok := dec.Decode(line.Text)
	if !ok {
		return
	}
	switch ev.Kind {
	case domain.EventKindStats:
		canonical := s.deps.Reducer.Apply(ev.Snapshot)
		s.deps.Hub.Publish(protocol.Must(protocol.TypeStats, runID, protocol.StatsPayload{
			Canonical: canonical,
			Snapshot:  ev.Snapshot,
		}))
	case domain.EventKindComplete:
		canonical := s.deps.Reducer.State()
		if !ev.Snapshot.IsEmpty() {
			canonical = s.deps.Reducer.Apply(ev.Snapshot)
		}
		s.deps.Hub.Publish(protocol.Must(protocol.TypeComplete, runID, protocol.StatsPayload{
			Canonical: canonical,
			Snapshot:  ev.Snapshot,
		}))
	case domain.EventKindError:
		if !ev.Snapshot.IsEmpty() {
			s.deps.Reducer.Apply(ev.Snapshot)
		}
		if r.span != nil {
			r.span.Error(ev.Message)
		}
		s.log.Warn().Str("run_id", runID).Str("message", ev.Message).Msg("simulation reported an error")
		s.publishError(runID, protocol.ErrorCodeSimulation, ev.Message)
	}
}

// exit records the outcome of a reaped process and finalizes the run.
func (s *Supervisor) exit(r *run, cmd *exec.Cmd, waitErr error, exitedAt time.Time) {
	outcome := &domain.ExitOutcome{}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		outcome.Code = exitErr.ExitCode()
		outcome.Signal = exitSignal(cmd.ProcessState)
		outcome.Error = waitErr.Error()
	default:
		outcome.Code = -1
		outcome.Error = waitErr.Error()
	}

	s.mu.Lock()
	switch {
	case r.stopRequested:
		r.record.State = domain.RunStateStopped
	case waitErr == nil && outcome.Code == 0:
		r.record.State = domain.RunStateCompleted
	default:
		r.record.State = domain.RunStateFailed
	}
	r.record.PID = 0
	r.record.EndedAt = &exitedAt
	r.record.Exit = outcome
	if r.killTimer != nil {
		r.killTimer.Stop()
	}
	state := r.record.State
	s.mu.Unlock()

	if state == domain.RunStateFailed {
		s.publishError(r.record.RunID, protocol.ErrorCodeProcessExit, outcome.Error)
	}
	s.finalize(context.Background(), r)
}

// finalize persists the terminal record, archives it and releases waiters.
func (s *Supervisor) finalize(ctx context.Context, r *run) *domain.RunRecord {
	if r.artifact != nil {
		if err := r.artifact.Close(); err != nil {
			s.log.Debug().Err(err).Msg("failed to close log artifact")
		}
	}
	final := s.deps.Reducer.State()
	snapshot := s.transition(ctx, r)

	entry := archive.NewEntry(snapshot, final)
	archive.Artifacts(&entry, snapshot.RunDir)
	if err := s.deps.Archive.Record(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("run_id", snapshot.RunID).Msg("failed to archive run")
		s.publishError(snapshot.RunID, protocol.ErrorCodeInternal, "failed to archive run: "+err.Error())
	}

	if r.span != nil {
		r.span.End(snapshot, final)
	}
	event := s.log.Info()
	if snapshot.State == domain.RunStateFailed {
		event = s.log.Warn()
	}
	event.Str("run_id", snapshot.RunID).
		Str("state", string(snapshot.State)).
		Int("completed", final.Completed).
		Int("total", final.Total).
		Msg("simulation finished")

	close(r.done)
	return snapshot
}
