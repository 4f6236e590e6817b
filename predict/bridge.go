// Package predict talks to the physics simulation service over its
// JSON-lines stdio protocol and feeds the results back into the twin store
// as predicted-source states for the ml_based strategy.
package predict

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/twinsync/errors"
)

// SimulationType selects the physics model.
type SimulationType string

const (
	SimThermalCoil   SimulationType = "thermal_coil"
	SimFluidDynamics SimulationType = "fluid_dynamics"
	SimMultiPhase    SimulationType = "multi_phase"
)

// Request is one simulation request on the wire.
type Request struct {
	RequestID      string         `json:"requestId"`
	TankID         string         `json:"tankId"`
	SimulationType SimulationType `json:"simulationType"`
	Parameters     map[string]any `json:"parameters"`
}

// Response is the bridge's reply. PredictedStates is a time series of
// property tuples; Error is set instead when the simulation failed.
type Response struct {
	RequestID       string      `json:"requestId"`
	TankID          string      `json:"tankId"`
	PredictedStates [][]float64 `json:"predictedStates"`
	Confidence      float64     `json:"confidence"`
	ComputationTime float64     `json:"computationTime"`
	Error           string      `json:"error,omitempty"`
}

// initMarker is printed by the bridge process once its models are loaded.
const initMarker = "INIT_COMPLETE"

// Starter launches one bridge session and returns its stdin and stdout.
// The default starter execs the configured command; tests substitute
// in-memory pipes.
type Starter func(ctx context.Context) (io.WriteCloser, io.ReadCloser, error)

// CommandStarter returns a Starter that execs the given command.
func CommandStarter(name string, args ...string) Starter {
	return func(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, err
		}
		go func() { _ = cmd.Wait() }()
		return stdin, stdout, nil
	}
}

// Bridge manages the bridge process: request/response correlation by
// request ID, bounded waits, and restart with backoff when the process
// dies.
type Bridge struct {
	starter        Starter
	logger         *slog.Logger
	requestTimeout time.Duration
	initTimeout    time.Duration
	restartDelay   time.Duration
	maxRestartWait time.Duration

	mu      sync.Mutex
	stdin   io.WriteCloser
	pending map[string]chan Response

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = logger }
}

// WithRequestTimeout bounds each simulation request.
func WithRequestTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.requestTimeout = d }
}

// WithInitTimeout bounds the wait for the process's init marker.
func WithInitTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.initTimeout = d }
}

// WithRestartDelay sets the initial restart backoff.
func WithRestartDelay(initial, max time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.restartDelay = initial
		b.maxRestartWait = max
	}
}

// NewBridge creates a bridge over the starter.
func NewBridge(starter Starter, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		starter:        starter,
		logger:         slog.Default(),
		requestTimeout: 30 * time.Second,
		initTimeout:    60 * time.Second,
		restartDelay:   time.Second,
		maxRestartWait: time.Minute,
		pending:        make(map[string]chan Response),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the bridge process, waits for its init marker, and begins
// the read loop. The loop restarts the process with backoff if it dies.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"Bridge", "Start", "start bridge")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	reader, err := b.launch(runCtx)
	if err != nil {
		b.running.Store(false)
		cancel()
		close(b.done)
		return err
	}

	go b.readLoop(runCtx, reader)
	return nil
}

// Stop terminates the bridge and fails any in-flight requests.
func (b *Bridge) Stop(timeout time.Duration) error {
	if !b.running.CompareAndSwap(true, false) {
		return errors.WrapInvalid(errors.ErrNotStarted,
			"Bridge", "Stop", "stop bridge")
	}

	b.cancel()
	b.mu.Lock()
	if b.stdin != nil {
		_ = b.stdin.Close()
		b.stdin = nil
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("read loop did not stop within %v", timeout),
			"Bridge", "Stop", "wait for read loop")
	}
}

// launch starts one process session and consumes its init marker.
func (b *Bridge) launch(ctx context.Context) (*bufio.Scanner, error) {
	stdin, stdout, err := b.starter(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Bridge", "Start", "launch process")
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	ready := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			if scanner.Text() == initMarker {
				ready <- nil
				return
			}
		}
		ready <- fmt.Errorf("process exited before init marker")
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = stdin.Close()
			return nil, errors.WrapTransient(err, "Bridge", "Start", "wait for init")
		}
	case <-time.After(b.initTimeout):
		_ = stdin.Close()
		return nil, errors.WrapTransient(
			fmt.Errorf("no init marker within %v", b.initTimeout),
			"Bridge", "Start", "wait for init")
	case <-ctx.Done():
		_ = stdin.Close()
		return nil, errors.WrapTransient(ctx.Err(), "Bridge", "Start", "wait for init")
	}

	b.mu.Lock()
	b.stdin = stdin
	b.mu.Unlock()

	b.logger.Info("physics bridge ready")
	return scanner, nil
}

// readLoop routes responses to their waiting requests. When the process
// dies it fails all pending requests and relaunches with doubling backoff.
func (b *Bridge) readLoop(ctx context.Context, scanner *bufio.Scanner) {
	defer close(b.done)

	delay := b.restartDelay
	for {
		for scanner.Scan() {
			line := scanner.Bytes()
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				b.logger.Warn("dropping malformed bridge response", "error", err)
				continue
			}
			b.deliver(resp)
			delay = b.restartDelay
		}

		b.failPending("bridge process exited")
		if ctx.Err() != nil {
			return
		}

		b.logger.Warn("physics bridge died, restarting", "backoff", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if delay *= 2; delay > b.maxRestartWait {
			delay = b.maxRestartWait
		}

		next, err := b.launch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("bridge restart failed", "error", err)
			continue
		}
		scanner = next
	}
}

func (b *Bridge) deliver(resp Response) {
	b.mu.Lock()
	ch, ok := b.pending[resp.RequestID]
	if ok {
		delete(b.pending, resp.RequestID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("response for unknown request", "request", resp.RequestID)
		return
	}
	ch <- resp
}

func (b *Bridge) failPending(reason string) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]chan Response)
	b.mu.Unlock()

	for id, ch := range pending {
		ch <- Response{RequestID: id, Error: reason}
	}
}

// Simulate sends one request and waits for its response, bounded by the
// request timeout and the caller's context.
func (b *Bridge) Simulate(ctx context.Context, req Request) (Response, error) {
	if !b.running.Load() {
		return Response{}, errors.WrapInvalid(errors.ErrNotStarted,
			"Bridge", "Simulate", "check bridge state")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, errors.WrapInvalid(err, "Bridge", "Simulate", "marshal request")
	}

	ch := make(chan Response, 1)
	b.mu.Lock()
	if b.stdin == nil {
		b.mu.Unlock()
		return Response{}, errors.WrapTransient(errors.ErrNoConnection,
			"Bridge", "Simulate", "bridge not connected")
	}
	b.pending[req.RequestID] = ch
	_, err = b.stdin.Write(append(payload, '\n'))
	b.mu.Unlock()

	if err != nil {
		b.forget(req.RequestID)
		return Response{}, errors.WrapTransient(err, "Bridge", "Simulate", "write request")
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, errors.WrapTransient(
				fmt.Errorf("simulation failed: %s", resp.Error),
				"Bridge", "Simulate", "run simulation")
		}
		return resp, nil
	case <-timer.C:
		b.forget(req.RequestID)
		return Response{}, errors.WrapTransient(
			fmt.Errorf("%w: request %s", errors.ErrTransportTimeout, req.RequestID),
			"Bridge", "Simulate", "wait for response")
	case <-ctx.Done():
		b.forget(req.RequestID)
		return Response{}, errors.WrapTransient(ctx.Err(), "Bridge", "Simulate", "wait for response")
	}
}

func (b *Bridge) forget(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}
