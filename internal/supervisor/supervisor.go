// Package supervisor owns the lifecycle of the external simulation process.
//
// At most one run is active at a time. A run goes STARTING -> RUNNING ->
// (STOPPING ->) COMPLETED | STOPPED | FAILED. The process output of each run is
// consumed by a single dispatch goroutine that feeds the log window, the
// codec, the reducer and the hub; the same goroutine handles the exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ch0002ic/balanced-corridor-planner/internal/archive"
	"github.com/ch0002ic/balanced-corridor-planner/internal/dataset"
	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
	"github.com/ch0002ic/balanced-corridor-planner/internal/logbuf"
	"github.com/ch0002ic/balanced-corridor-planner/internal/policy"
	"github.com/ch0002ic/balanced-corridor-planner/internal/protocol"
	"github.com/ch0002ic/balanced-corridor-planner/internal/reducer"
	"github.com/ch0002ic/balanced-corridor-planner/internal/tracing"
)

// Store persists run records.
type Store interface {
	SaveRun(ctx context.Context, run *domain.RunRecord) error
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)
}

// Archiver records terminated runs.
type Archiver interface {
	Record(ctx context.Context, entry domain.ArchiveEntry) error
}

// Publisher fans envelopes out to observers.
type Publisher interface {
	Publish(env protocol.Envelope)
}

// Policy decides whether a launch is allowed.
type Policy interface {
	Evaluate(ctx context.Context, input policy.LaunchInput) (policy.Decision, error)
}

// Options configures process launching.
type Options struct {
	Command       []string // the dataset path is appended as the last argument
	DataDir       string
	Marker        string
	StopGrace     time.Duration
	OutputGrace   time.Duration // how long output may stay open after the process exits
	LogView       int
	KnownFeatures []string
	MaxRows       int
}

// Deps are the collaborators of a Supervisor. Policy and Tracer are optional.
type Deps struct {
	Stager  *dataset.Stager
	Logs    *logbuf.Buffer
	Reducer *reducer.Reducer
	Store   Store
	Archive Archiver
	Hub     Publisher
	Policy  Policy
	Tracer  *tracing.Tracer
	Logger  zerolog.Logger
}

// StartRequest selects the dataset and feature toggles of a run.
type StartRequest struct {
	DatasetID string   `json:"dataset_id,omitempty"`
	Features  []string `json:"features,omitempty"`
}

// StopOptions tunes Stop.
type StopOptions struct {
	// AllowIdle makes Stop a no-op instead of ErrNotRunning when nothing runs.
	AllowIdle bool
}

// Snapshot is the current lifecycle state together with the reduced progress.
type Snapshot struct {
	Run       *domain.RunRecord     `json:"run"`
	State     domain.RunState       `json:"state"`
	Canonical domain.CanonicalState `json:"canonical"`
}

// Supervisor starts, stops and observes simulation runs.
type Supervisor struct {
	opts Options
	deps Deps
	log  zerolog.Logger

	mu     sync.Mutex
	active *run // most recent run; active only while its state IsActive

	// persistMu orders snapshot, save and publish of lifecycle changes.
	persistMu sync.Mutex
}

// run is the supervisor-owned state of one execution. record, cmd,
// stopRequested and killTimer are guarded by Supervisor.mu.
type run struct {
	record        *domain.RunRecord
	cmd           *exec.Cmd
	stopRequested bool
	killTimer     *time.Timer
	done          chan struct{}
	span          *tracing.RunSpan
	artifact      *lumberjack.Logger
}

// New creates a supervisor.
func New(opts Options, deps Deps) *Supervisor {
	if opts.Marker == "" {
		opts.Marker = "@@SIM "
	}
	if opts.LogView <= 0 {
		opts.LogView = 100
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.OutputGrace <= 0 {
		opts.OutputGrace = time.Second
	}
	if deps.Tracer == nil {
		deps.Tracer = tracing.New(nil)
	}
	return &Supervisor{
		opts: opts,
		deps: deps,
		log:  deps.Logger.With().Str("component", "supervisor").Logger(),
	}
}

// Start launches a run on the staged dataset.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*domain.RunRecord, error) {
	s.mu.Lock()
	if s.active != nil && s.active.record.State.IsActive() {
		s.mu.Unlock()
		return nil, domain.ErrAlreadyRunning
	}
	r := &run{
		record: &domain.RunRecord{
			RunID:     "run_" + uuid.New().String()[:8],
			State:     domain.RunStateStarting,
			Features:  normalizeFeatures(req.Features),
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	previous := s.active
	s.active = r
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.active == r {
			s.active = previous
		}
		s.mu.Unlock()
	}

	ds, err := s.deps.Stager.Take(req.DatasetID)
	if err != nil {
		release()
		return nil, err
	}
	if err := s.admit(ctx, r.record, ds); err != nil {
		s.deps.Stager.Restore(ds)
		release()
		return nil, err
	}

	// Nothing can fail the start without producing a run record from here on.
	persistCtx := context.WithoutCancel(ctx)
	s.mu.Lock()
	r.record.DatasetID = ds.ID
	r.record.RunDir = filepath.Join(s.opts.DataDir, "runs", r.record.RunID)
	_, r.span = s.deps.Tracer.StartRun(persistCtx, r.record)
	s.mu.Unlock()

	s.deps.Logs.Reset()
	s.deps.Reducer.Reset()

	logger := s.log.With().Str("run_id", r.record.RunID).Logger()
	cmd, stdout, stderr, err := s.spawn(r, ds)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start simulation")
		return s.fail(persistCtx, r, err), fmt.Errorf("failed to start simulation: %w", err)
	}

	s.mu.Lock()
	r.cmd = cmd
	r.record.PID = cmd.Process.Pid
	r.record.State = domain.RunStateRunning
	stopNow := r.stopRequested
	if stopNow {
		r.record.State = domain.RunStateStopping
	}
	s.mu.Unlock()

	snapshot := s.transition(persistCtx, r)
	logger.Info().
		Int("pid", snapshot.PID).
		Str("dataset_id", ds.ID).
		Int("rows", len(ds.Rows)).
		Strs("features", snapshot.Features).
		Msg("simulation started")

	go s.dispatch(r, stdout, stderr)

	if stopNow {
		s.signalStop(r)
	}
	return snapshot, nil
}

func (s *Supervisor) admit(ctx context.Context, record *domain.RunRecord, ds *domain.Dataset) error {
	if s.deps.Policy == nil {
		return nil
	}
	decision, err := s.deps.Policy.Evaluate(ctx, policy.LaunchInput{
		RunID:         record.RunID,
		Features:      record.Features,
		KnownFeatures: s.opts.KnownFeatures,
		Rows:          len(ds.Rows),
		MaxRows:       s.opts.MaxRows,
	})
	if err != nil {
		return fmt.Errorf("launch policy: %w", err)
	}
	if !decision.Allow {
		return fmt.Errorf("%w: %s", domain.ErrPolicyDenied, decision.Reason)
	}
	return nil
}

// spawn writes the dataset into the run directory and starts the process.
// The returned pipes are the read ends of its stdout and stderr.
func (s *Supervisor) spawn(r *run, ds *domain.Dataset) (*exec.Cmd, *os.File, *os.File, error) {
	runDir := r.record.RunDir
	inputPath := filepath.Join(runDir, archive.InputFile)
	if err := dataset.WriteCSV(inputPath, ds); err != nil {
		return nil, nil, nil, err
	}
	absInput, err := filepath.Abs(inputPath)
	if err != nil {
		return nil, nil, nil, err
	}
	absOutput, err := filepath.Abs(filepath.Join(runDir, archive.OutputFile))
	if err != nil {
		return nil, nil, nil, err
	}
	if len(s.opts.Command) == 0 {
		return nil, nil, nil, errors.New("no simulation command configured")
	}

	// The process runs inside the run directory, so relative paths in the
	// configured command are resolved against ours first.
	command := resolvePaths(s.opts.Command)
	args := append(command[1:], absInput)
	cmd := exec.Command(command[0], args...)
	cmd.Dir = runDir
	cmd.Env = append(os.Environ(),
		"SIM_INPUT="+absInput,
		"SIM_OUTPUT="+absOutput,
		"SIM_RUN_ID="+r.record.RunID,
		"JOB_PLANNER_FEATURES="+strings.Join(r.record.Features, ","),
	)
	configureProcess(cmd)

	// Our own pipes rather than StdoutPipe: Wait must not close the read
	// ends while output is still buffered.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		stdoutW.Close()
		return nil, nil, nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	r.artifact = &lumberjack.Logger{
		Filename:   filepath.Join(runDir, archive.LogsDir, archive.LogFile),
		MaxSize:    50, // MB
		MaxBackups: 3,
	}
	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		return nil, nil, nil, err
	}
	return cmd, stdout, stderr, nil
}

// fail finalizes a run whose process never started.
func (s *Supervisor) fail(ctx context.Context, r *run, cause error) *domain.RunRecord {
	s.mu.Lock()
	now := time.Now()
	r.record.State = domain.RunStateFailed
	r.record.PID = 0
	r.record.EndedAt = &now
	r.record.Exit = &domain.ExitOutcome{Code: -1, Error: cause.Error()}
	s.mu.Unlock()

	s.publishError(r.record.RunID, protocol.ErrorCodeProcessExit, cause.Error())
	return s.finalize(ctx, r)
}

// Stop asks the process of runID (or the active run when empty) to terminate.
// It returns once the signal is sent; the exit is confirmed asynchronously.
func (s *Supervisor) Stop(ctx context.Context, runID string, opts StopOptions) (*domain.RunRecord, error) {
	s.mu.Lock()
	r := s.active
	if r == nil || !r.record.State.IsActive() || (runID != "" && runID != r.record.RunID) {
		s.mu.Unlock()
		if opts.AllowIdle && runID == "" {
			return nil, nil
		}
		return nil, domain.ErrNotRunning
	}

	if r.stopRequested {
		snapshot := r.record.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	r.stopRequested = true
	started := r.cmd != nil
	if started {
		r.record.State = domain.RunStateStopping
	}
	snapshot := r.record.Clone()
	s.mu.Unlock()

	s.log.Info().Str("run_id", snapshot.RunID).Msg("stopping simulation")
	if started {
		snapshot = s.transition(context.WithoutCancel(ctx), r)
		s.signalStop(r)
	}
	return snapshot, nil
}

// signalStop sends SIGTERM to the process group and arms the SIGKILL timer.
func (s *Supervisor) signalStop(r *run) {
	s.mu.Lock()
	cmd := r.cmd
	s.mu.Unlock()

	if err := terminateProcess(cmd); err != nil {
		s.log.Warn().Err(err).Str("run_id", r.record.RunID).Msg("failed to signal simulation")
	}

	timer := time.AfterFunc(s.opts.StopGrace, func() {
		select {
		case <-r.done:
			return
		default:
		}
		s.log.Warn().Str("run_id", r.record.RunID).Dur("grace", s.opts.StopGrace).Msg("simulation ignored SIGTERM, killing")
		if err := killProcess(cmd); err != nil {
			s.log.Warn().Err(err).Msg("failed to kill simulation")
		}
	})
	s.mu.Lock()
	r.killTimer = timer
	s.mu.Unlock()
}

// Status returns the record of runID, or of the latest run when runID is empty.
func (s *Supervisor) Status(ctx context.Context, runID string) (*domain.RunRecord, error) {
	s.mu.Lock()
	if s.active != nil && (runID == "" || runID == s.active.record.RunID) {
		snapshot := s.active.record.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	s.mu.Unlock()

	if runID == "" {
		return nil, domain.ErrRunNotFound
	}
	record, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if record == nil {
		return nil, domain.ErrRunNotFound
	}
	return record, nil
}

// Current returns the latest run, its state and the canonical progress.
func (s *Supervisor) Current() Snapshot {
	s.mu.Lock()
	snap := Snapshot{State: domain.RunStateIdle}
	if s.active != nil {
		snap.Run = s.active.record.Clone()
		snap.State = snap.Run.State
	}
	s.mu.Unlock()
	snap.Canonical = s.deps.Reducer.State()
	return snap
}

// StateEnvelope is the resync message sent to newly connected observers.
func (s *Supervisor) StateEnvelope() protocol.Envelope {
	snap := s.Current()
	var runID string
	if snap.Run != nil {
		runID = snap.Run.RunID
	}
	return protocol.Must(protocol.TypeState, runID, protocol.StatePayload{
		State:     snap.State,
		Run:       snap.Run,
		Canonical: snap.Canonical,
	})
}

// Logs returns up to n of the most recent log lines, bounded by the view size.
func (s *Supervisor) Logs(n int) []domain.LogLine {
	if n <= 0 || n > s.opts.LogView {
		n = s.opts.LogView
	}
	return s.deps.Logs.Recent(n)
}

// Reset restores the canonical defaults and clears the log window.
func (s *Supervisor) Reset() error {
	s.mu.Lock()
	if s.active != nil && s.active.record.State.IsActive() {
		s.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	s.mu.Unlock()

	s.deps.Reducer.Reset()
	s.deps.Logs.Reset()
	s.deps.Hub.Publish(s.StateEnvelope())
	return nil
}

// Done returns a channel closed once runID has fully terminated. Unknown or
// already finished runs yield a closed channel.
func (s *Supervisor) Done(runID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.record.RunID == runID {
		return s.active.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Wait blocks until runID terminates or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, runID string) error {
	select {
	case <-s.Done(runID):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the active run, if any, and waits for its exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	record, err := s.Stop(ctx, "", StopOptions{AllowIdle: true})
	if err != nil || record == nil {
		return err
	}
	return s.Wait(ctx, record.RunID)
}

// transition persists and announces the current state of r, and returns
// the snapshot it announced.
func (s *Supervisor) transition(ctx context.Context, r *run) *domain.RunRecord {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	snapshot := r.record.Clone()
	s.mu.Unlock()

	if err := s.deps.Store.SaveRun(ctx, snapshot); err != nil {
		s.log.Error().Err(err).Str("run_id", snapshot.RunID).Msg("failed to persist run")
		s.publishError(snapshot.RunID, protocol.ErrorCodeInternal, "failed to persist run: "+err.Error())
	}
	if r.span != nil {
		r.span.Transition(snapshot.State)
	}
	s.deps.Hub.Publish(protocol.Must(protocol.TypeRunState, snapshot.RunID, protocol.RunStatePayload{
		Run:       snapshot,
		Canonical: s.deps.Reducer.State(),
	}))
	return snapshot
}

func (s *Supervisor) publishError(runID, code, message string) {
	s.deps.Hub.Publish(protocol.Must(protocol.TypeError, runID, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}

func resolvePaths(command []string) []string {
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = arg
		if filepath.IsAbs(arg) || (i == 0 && !strings.ContainsRune(arg, filepath.Separator)) {
			continue
		}
		if _, err := os.Stat(arg); err == nil {
			if abs, err := filepath.Abs(arg); err == nil {
				out[i] = abs
			}
		}
	}
	return out
}

// normalizeFeatures lower-cases, trims and de-duplicates feature names.
func normalizeFeatures(features []string) []string {
	var out []string
	seen := make(map[string]bool, len(features))
	for _, f := range features {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
