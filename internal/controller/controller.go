// Package controller runs conversions on a worker goroutine, one at a time,
// and queues their progress and outcome for an interactive loop to apply.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"folder_to_pdf/internal/converter"
)

var (
	// ErrBusy is returned by Start while a run is in flight.
	ErrBusy = errors.New("a conversion is already running")
	// ErrNotReady is returned by Start when the title is blank or the folder is empty.
	ErrNotReady = errors.New("title and folder must both be set")
	// ErrUnexpected wraps a panic recovered from the worker.
	ErrUnexpected = errors.New("unexpected failure")
)

// Runner performs one conversion. converter.Convert is the production implementation.
type Runner interface {
	Run(ctx context.Context, req converter.Request, onProgress converter.ProgressFunc) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req converter.Request, onProgress converter.ProgressFunc) (string, error)

func (f RunnerFunc) Run(ctx context.Context, req converter.Request, onProgress converter.ProgressFunc) (string, error) {
	return f(ctx, req, onProgress)
}

// NewConverterRunner returns a Runner backed by converter.Convert with cfg.
func NewConverterRunner(cfg *converter.Config) Runner {
	return RunnerFunc(func(ctx context.Context, req converter.Request, onProgress converter.ProgressFunc) (string, error) {
		return converter.Convert(ctx, req, cfg, onProgress)
	})
}

// Status is the terminal state of a run.
type Status int

const (
	Succeeded Status = iota
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the final result of a run. Exactly one is produced per run.
type Outcome struct {
	Status     Status
	OutputPath string // Set when Status is Succeeded
	Err        error  // Set when Status is Failed
}

// Event is either a ProgressEvent or an OutcomeEvent.
type Event interface {
	runID() int
}

// ProgressEvent carries one progress update of run RunID.
type ProgressEvent struct {
	RunID int
	converter.Progress
}

// OutcomeEvent ends run RunID.
type OutcomeEvent struct {
	RunID int
	Outcome
}

func (e ProgressEvent) runID() int { return e.RunID }
func (e OutcomeEvent) runID() int  { return e.RunID }

// Controller owns the single-run guard and the event queue.
type Controller struct {
	state  *State
	runner Runner
	events chan Event

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc // non-nil while a run is active
	runs   int
}

// Option configures a Controller.
type Option func(*Controller)

// WithEventBuffer sets the capacity of the event queue. Zero makes the worker wait for every
// event to be taken.
func WithEventBuffer(n int) Option {
	return func(c *Controller) {
		c.events = make(chan Event, n)
	}
}

// New creates a Controller reading its input from state and converting with runner.
func New(state *State, runner Runner, opts ...Option) *Controller {
	c := &Controller{
		state:  state,
		runner: runner,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the shared input state.
func (c *Controller) State() *State {
	return c.state
}

// Events is the queue the interactive loop drains. Each run emits progress events followed by
// exactly one OutcomeEvent.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Running reports whether a run is in flight. Triggers are disabled while it is true.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Start snapshots the current state and starts a run on a new goroutine.
// It returns the request the run works from and the run's id.
func (c *Controller) Start() (converter.Request, int, error) {
	req := c.state.Request()
	if err := req.Validate(); err != nil {
		return req, 0, fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return req, 0, ErrBusy
	}
	select {
	case <-c.closed:
		c.mu.Unlock()
		return req, 0, errors.New("controller is closed")
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runs++
	id := c.runs
	c.mu.Unlock()

	slog.Info("Starting conversion", "run", id, "title", req.Title, "folder", req.Folder)
	go c.run(ctx, id, req)
	return req, id, nil
}

// Cancel asks the active run to stop at its next image boundary.
// It reports whether a run was signalled; with no active run it does nothing.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	slog.Info("Cancelling conversion", "run", c.runs)
	c.cancel()
	return true
}

// Close cancels any active run and stops delivering events. Pending sends are dropped.
func (c *Controller) Close() {
	c.Cancel()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Controller) send(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Controller) run(ctx context.Context, id int, req converter.Request) {
	outcome := c.execute(ctx, id, req)

	// Clear the guard before queueing the outcome so a consumer reacting to it can start again.
	c.mu.Lock()
	c.cancel()
	c.cancel = nil
	c.mu.Unlock()

	slog.Info("Conversion finished", "run", id, "status", outcome.Status, "path", outcome.OutputPath, "error", outcome.Err)
	c.send(OutcomeEvent{RunID: id, Outcome: outcome})
}

func (c *Controller) execute(ctx context.Context, id int, req converter.Request) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Conversion panicked", "run", id, "panic", r)
			outcome = Outcome{Status: Failed, Err: fmt.Errorf("%w: %v", ErrUnexpected, r)}
		}
	}()

	path, err := c.runner.Run(ctx, req, func(p converter.Progress) {
		c.send(ProgressEvent{RunID: id, Progress: p})
	})
	return outcomeFor(path, err)
}

func outcomeFor(path string, err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Status: Succeeded, OutputPath: path}
	case errors.Is(err, context.Canceled):
		return Outcome{Status: Cancelled}
	default:
		return Outcome{Status: Failed, Err: err}
	}
}

// Status labels shown by the front ends.
const (
	MessageProcessing = "Processing.."
	MessageCompleted  = "Done!"
	MessageFailed     = "Failed.."
	MessageCancelled  = "Cancelled."
	MessageNoImages   = "No images found. Pick a different folder."
)

// Describe turns an outcome into the banner shown to the user. A folder without images gets
// its own message so the user knows to choose another folder.
func Describe(o Outcome) string {
	switch o.Status {
	case Succeeded:
		return fmt.Sprintf("%s Created %s", MessageCompleted, o.OutputPath)
	case Cancelled:
		return MessageCancelled + " No file was written."
	}
	switch {
	case errors.Is(o.Err, converter.ErrNoImagesFound):
		return MessageNoImages
	case errors.Is(o.Err, converter.ErrNotADirectory):
		return MessageFailed + " The folder does not exist."
	case o.Err != nil:
		return fmt.Sprintf("%s %v", MessageFailed, o.Err)
	default:
		return MessageFailed
	}
}
