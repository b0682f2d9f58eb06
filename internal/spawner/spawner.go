// Package spawner launches and supervises one worker OS process per
// franchise. It owns the process records: every mutation happens inside
// the Spawner's lock, and callers only ever see snapshot copies.
package spawner

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/ipc"
)

const (
	// DefaultStopTimeout bounds the cooperative-shutdown wait before SIGKILL.
	DefaultStopTimeout = 10 * time.Second

	// RestartCap and RestartWindow bound how often a franchise may be
	// restarted: the window counter resets after a stable stretch.
	RestartCap    = 3
	RestartWindow = 5 * time.Minute
)

// Config tells the spawner how to build worker processes.
type Config struct {
	AuctionID  string
	BrokerAddr string
	DBDSN      string
	Binary     string // path to re-exec; defaults to the running binary
}

// agentProc pairs a record with its live process handles.
type agentProc struct {
	record Record
	cmd    *exec.Cmd
	enc    *ipc.Encoder
	done   chan struct{}

	windowRestarts int
	lastRestart    time.Time
}

// Spawner launches worker processes and tracks their records.
type Spawner struct {
	mu     sync.Mutex
	cfg    Config
	agents map[string]*agentProc

	// newCommand is swappable so tests can stand in a scripted worker.
	newCommand func(franchise string) *exec.Cmd

	onReady     func(franchise string)
	onHeartbeat func(franchise string, at time.Time)
	onDecision  func(franchise string, note ipc.DecisionNote)
	onAgentErr  func(franchise, errText string)
	onExit      func(franchise string, err error)

	log *slog.Logger
}

// New creates a spawner. The worker binary defaults to the one running.
func New(cfg Config) *Spawner {
	if cfg.Binary == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.Binary = exe
		}
	}
	s := &Spawner{
		cfg:    cfg,
		agents: make(map[string]*agentProc),
		log:    aulog.For("spawner"),
	}
	s.newCommand = s.defaultCommand
	return s
}

// OnReady sets the callback for a worker's ready frame.
func (s *Spawner) OnReady(fn func(franchise string)) { s.onReady = fn }

// OnHeartbeat sets the callback for worker heartbeats.
func (s *Spawner) OnHeartbeat(fn func(franchise string, at time.Time)) { s.onHeartbeat = fn }

// OnDecision sets the callback for worker decision frames.
func (s *Spawner) OnDecision(fn func(franchise string, note ipc.DecisionNote)) { s.onDecision = fn }

// OnAgentError sets the callback for worker error frames.
func (s *Spawner) OnAgentError(fn func(franchise, errText string)) { s.onAgentErr = fn }

// OnExit sets the callback for unexpected worker exits. Requested stops
// never fire it.
func (s *Spawner) OnExit(fn func(franchise string, err error)) { s.onExit = fn }

func (s *Spawner) defaultCommand(franchise string) *exec.Cmd {
	cmd := exec.Command(s.cfg.Binary, "agent")
	cmd.Env = append(os.Environ(),
		"AUCTION_FRANCHISE="+franchise,
		"AUCTION_ID="+s.cfg.AuctionID,
		"AUCTION_BROKER_ADDR="+s.cfg.BrokerAddr,
		"AUCTION_DB_DSN="+s.cfg.DBDSN,
	)
	// Worker stdout carries the message protocol; logs go to stderr.
	cmd.Stderr = os.Stderr
	return cmd
}

// Spawn starts a worker for the franchise. The franchise slot is reserved
// in the record table before the process launches, so a concurrent Spawn or
// Restart for the same franchise fails instead of starting a second worker.
// A pipe or exec failure marks the reserved record as error before returning.
func (s *Spawner) Spawn(franchise string) error {
	a := &agentProc{
		record: Record{
			Franchise: franchise,
			Status:    StatusStarting,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if prev, ok := s.agents[franchise]; ok {
		switch prev.record.Status {
		case StatusStarting, StatusRunning:
			s.mu.Unlock()
			return fmt.Errorf("spawn %s: already %s", franchise, prev.record.Status)
		}
		a.record.Restarts = prev.record.Restarts
		a.record.Errors = prev.record.Errors
		a.windowRestarts = prev.windowRestarts
		a.lastRestart = prev.lastRestart
	}
	s.agents[franchise] = a
	s.mu.Unlock()

	cmd := s.newCommand(franchise)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.failReserved(a, fmt.Sprintf("stdin pipe: %v", err))
		return fmt.Errorf("spawn %s: %w", franchise, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.failReserved(a, fmt.Sprintf("stdout pipe: %v", err))
		return fmt.Errorf("spawn %s: %w", franchise, err)
	}
	if err := cmd.Start(); err != nil {
		s.failReserved(a, fmt.Sprintf("start: %v", err))
		return fmt.Errorf("spawn %s: %w", franchise, err)
	}

	s.mu.Lock()
	a.cmd = cmd
	a.enc = ipc.NewEncoder(stdin)
	a.record.PID = cmd.Process.Pid
	stopRequested := a.record.Status == StatusStopped
	s.mu.Unlock()

	if stopRequested {
		// A Stop raced the launch; shut the fresh process down.
		_ = a.enc.Encode(ipc.Shutdown())
	}

	s.log.Info("agent spawned", "franchise", franchise, "pid", cmd.Process.Pid, "restarts", a.record.Restarts)

	go s.readLoop(a, stdout)
	go s.waitExit(a)
	return nil
}

// failReserved marks a reserved record as failed for a spawn that never got
// off the ground.
func (s *Spawner) failReserved(a *agentProc, msg string) {
	s.mu.Lock()
	a.record.Status = StatusError
	a.record.Errors = append(a.record.Errors, msg)
	s.mu.Unlock()
	close(a.done)
	s.log.Error("agent spawn failed", "franchise", a.record.Franchise, "err", msg)
}

// Stop requests a cooperative shutdown and kills the worker if it has not
// exited within the timeout. Stopping an already-stopped agent is a no-op.
func (s *Spawner) Stop(franchise string, timeout time.Duration) error {
	s.mu.Lock()
	a, ok := s.agents[franchise]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("stop %s: unknown franchise", franchise)
	}
	if a.record.Status == StatusStopped || a.record.Status == StatusError {
		s.mu.Unlock()
		return nil
	}
	// Marked before the frame goes out so the exit is not classed a crash.
	a.record.Status = StatusStopped
	enc := a.enc
	s.mu.Unlock()

	if enc == nil {
		// Reserved but never launched; nothing to signal.
		return nil
	}
	if err := enc.Encode(ipc.Shutdown()); err != nil {
		s.log.Warn("shutdown frame failed, killing", "franchise", franchise, "err", err)
	}

	select {
	case <-a.done:
		s.log.Info("agent stopped", "franchise", franchise)
		return nil
	case <-time.After(timeout):
		s.log.Warn("agent ignored shutdown, killing", "franchise", franchise, "pid", a.record.PID)
		_ = a.cmd.Process.Kill()
		<-a.done
		return nil
	}
}

// Restart stops the worker if needed and spawns it again with the restart
// counter carried over. It refuses once the per-window cap is hit.
func (s *Spawner) Restart(franchise string) error {
	s.mu.Lock()
	a, ok := s.agents[franchise]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("restart %s: unknown franchise", franchise)
	}
	if time.Since(a.lastRestart) > RestartWindow {
		a.windowRestarts = 0
	}
	if a.windowRestarts >= RestartCap {
		s.mu.Unlock()
		return fmt.Errorf("restart %s: cap of %d in %s reached", franchise, RestartCap, RestartWindow)
	}
	a.windowRestarts++
	a.lastRestart = time.Now()
	a.record.Restarts++
	running := a.record.Status == StatusRunning || a.record.Status == StatusStarting
	if !running {
		a.record.Status = StatusRestarting
	}
	s.mu.Unlock()

	if running {
		if err := s.Stop(franchise, DefaultStopTimeout); err != nil {
			return fmt.Errorf("restart %s: %w", franchise, err)
		}
		s.mu.Lock()
		a.record.Status = StatusRestarting
		s.mu.Unlock()
	}

	s.log.Info("agent restarting", "franchise", franchise, "attempt", a.record.Restarts)
	return s.Spawn(franchise)
}

// StopAll stops every agent concurrently and waits for all of them.
func (s *Spawner) StopAll(timeout time.Duration) {
	s.mu.Lock()
	franchises := make([]string, 0, len(s.agents))
	for f := range s.agents {
		franchises = append(franchises, f)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range franchises {
		wg.Add(1)
		go func(f string) {
			defer wg.Done()
			_ = s.Stop(f, timeout)
		}(f)
	}
	wg.Wait()
}

// State returns a snapshot of one franchise's record.
func (s *Spawner) State(franchise string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[franchise]
	if !ok {
		return Record{}, false
	}
	return a.record.snapshot(), true
}

// States returns snapshots of every record, ordered by franchise.
func (s *Spawner) States() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.record.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Franchise < out[j].Franchise })
	return out
}

// readLoop decodes worker frames off stdout and dispatches them. It ends
// when the pipe closes. Frames mutate the owning proc's record, not the
// live table entry: after a restart a not-yet-drained stream from the
// replaced process must not stamp the successor's record.
func (s *Spawner) readLoop(a *agentProc, stdout io.Reader) {
	franchise := a.record.Franchise
	dec := ipc.NewDecoder(stdout)
	for {
		msg, err := dec.Decode()
		if err != nil {
			if err != io.EOF {
				s.log.Warn("worker stream error", "franchise", franchise, "err", err)
			}
			return
		}

		switch msg.Kind {
		case ipc.KindReady:
			s.mu.Lock()
			if a.record.Status == StatusStarting {
				a.record.Status = StatusRunning
			}
			s.mu.Unlock()
			s.log.Info("agent ready", "franchise", franchise)
			if s.onReady != nil {
				s.onReady(franchise)
			}

		case ipc.KindHeartbeat:
			at := time.Now()
			s.mu.Lock()
			a.record.LastHeartbeat = at
			s.mu.Unlock()
			if s.onHeartbeat != nil {
				s.onHeartbeat(franchise, at)
			}

		case ipc.KindError:
			s.mu.Lock()
			a.record.Errors = append(a.record.Errors, msg.Err)
			s.mu.Unlock()
			s.log.Warn("agent error", "franchise", franchise, "err", msg.Err)
			if s.onAgentErr != nil {
				s.onAgentErr(franchise, msg.Err)
			}

		case ipc.KindDecision:
			if s.onDecision != nil && msg.Decision != nil {
				s.onDecision(franchise, *msg.Decision)
			}

		default:
			s.log.Warn("unexpected frame from worker", "franchise", franchise, "kind", msg.Kind.String())
		}
	}
}

// waitExit reaps the process and classifies the exit.
func (s *Spawner) waitExit(a *agentProc) {
	franchise := a.record.Franchise
	err := a.cmd.Wait()
	close(a.done)

	s.mu.Lock()
	requested := a.record.Status == StatusStopped
	if !requested && a.record.Status != StatusRestarting {
		a.record.Status = StatusError
		if err != nil {
			a.record.Errors = append(a.record.Errors, fmt.Sprintf("exited: %v", err))
		} else {
			a.record.Errors = append(a.record.Errors, "exited unexpectedly")
		}
	}
	s.mu.Unlock()

	if requested {
		return
	}
	s.log.Warn("agent exited unexpectedly", "franchise", franchise, "err", err)
	if s.onExit != nil {
		s.onExit(franchise, err)
	}
}
