package devserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/playpen/pkg/command"
	"github.com/cuemby/playpen/pkg/events"
	"github.com/cuemby/playpen/pkg/health"
	"github.com/cuemby/playpen/pkg/log"
	"github.com/cuemby/playpen/pkg/metrics"
	"github.com/cuemby/playpen/pkg/registry"
	"github.com/rs/zerolog"
)

// DefaultReadyTimeout bounds how long a dev server may take to serve
const DefaultReadyTimeout = 2 * time.Minute

var (
	// ErrExited is reported when the server exits before it is ready
	ErrExited = errors.New("dev server exited before it was ready")

	// healthOwner is the process ID of the server the dev server health
	// component currently describes
	healthMu    sync.Mutex
	healthOwner string

	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	urlPattern  = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]|[A-Za-z0-9.-]+):(\d{2,5})`)
)

// Addresser maps a port served inside the sandbox to a reachable address
type Addresser interface {
	Address(port int) string
}

// Spec describes a dev server to start
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// Port, when set, is probed directly in addition to watching the output
	// for an announced URL
	Port int

	ReadyTimeout time.Duration

	// Check selects how readiness is confirmed. HTTP by default; TCP for
	// servers that do not answer plain HTTP requests.
	Check health.CheckType

	// Output receives the server output as it is produced
	Output io.Writer
}

// Info is where a ready dev server can be reached
type Info struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// Server is a running dev server. Its readiness is signalled on its own
// channel, so concurrent starts never see each other's notifications.
type Server struct {
	proc      *command.Process
	processID string
	addresser Addresser
	check     health.CheckType
	started   time.Time
	logger    zerolog.Logger
	events    *events.Broker

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	info   Info
	err    error
	probes map[int]bool

	probeCtx    context.Context
	cancelProbe context.CancelFunc
}

// Start spawns the dev server, tracks it in reg and begins watching for
// readiness. It returns as soon as the process is running.
func Start(ctx context.Context, runner *command.Runner, reg *registry.Registry, addresser Addresser, broker *events.Broker, spec Spec) (*Server, error) {
	if spec.ReadyTimeout <= 0 {
		spec.ReadyTimeout = DefaultReadyTimeout
	}

	s := &Server{
		addresser: addresser,
		check:     spec.Check,
		started:   time.Now(),
		logger:    log.WithComponent("devserver"),
		events:    broker,
		ready:     make(chan struct{}),
		probes:    make(map[int]bool),
	}
	s.probeCtx, s.cancelProbe = context.WithTimeout(context.Background(), spec.ReadyTimeout)

	var out io.Writer = &urlDetector{onPort: s.probe}
	if spec.Output != nil {
		out = io.MultiWriter(out, spec.Output)
	}

	proc, err := runner.Spawn(ctx, spec.Command, spec.Args, command.Options{
		Dir:    spec.Dir,
		Env:    spec.Env,
		Output: out,
	})
	if err != nil {
		s.cancelProbe()
		return nil, err
	}

	s.mu.Lock()
	s.proc = proc
	s.processID = reg.Track(proc, proc.Command())
	s.mu.Unlock()

	s.logger.Info().
		Str("process_id", s.processID).
		Str("command", proc.Command()).
		Msg("Dev server started")

	if spec.Port > 0 {
		s.probe(spec.Port)
	}

	go s.watchExit()
	return s, nil
}

// probe confirms that port serves HTTP, once per port
func (s *Server) probe(port int) {
	s.mu.Lock()
	if s.probes[port] {
		s.mu.Unlock()
		return
	}
	s.probes[port] = true
	s.mu.Unlock()

	address := s.addresser.Address(port)
	go func() {
		result, err := health.WaitHealthy(s.probeCtx, s.checker(address), health.DefaultWaitConfig())
		if err != nil {
			s.logger.Debug().Int("port", port).Str("last", result.Message).Msg("Readiness probe ended")
			return
		}
		s.markReady(Info{Port: port, URL: address})
	}()
}

func (s *Server) checker(address string) health.Checker {
	if s.check == health.CheckTypeTCP {
		host := address
		if u, err := url.Parse(address); err == nil && u.Host != "" {
			host = u.Host
		}
		return health.NewTCPChecker(host)
	}
	return health.NewHTTPChecker(address+"/").WithStatusRange(200, 499)
}

func (s *Server) markReady(info Info) {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		s.info = info
		s.mu.Unlock()

		metrics.DevServerReadyDuration.Observe(time.Since(s.started).Seconds())
		claimHealth(s.ProcessID(), info.URL)

		s.cancelProbe()
		close(s.ready)
		s.logger.Info().
			Str("process_id", s.ProcessID()).
			Str("url", info.URL).
			Msg("Dev server ready")
		s.events.Emit(events.EventDevServerReady, info.URL, map[string]string{
			"process_id": s.ProcessID(),
			"port":       strconv.Itoa(info.Port),
		})
	})
}

func (s *Server) watchExit() {
	<-s.proc.Done()
	s.cancelProbe()

	code, _ := s.proc.ExitCode()

	s.mu.Lock()
	select {
	case <-s.ready:
	default:
		s.err = fmt.Errorf("%w (exit code %d)", ErrExited, code)
	}
	s.mu.Unlock()

	reportExit(s.ProcessID())
	s.logger.Info().
		Str("process_id", s.ProcessID()).
		Int("exit_code", code).
		Msg("Dev server exited")
	s.events.Emit(events.EventDevServerExited, fmt.Sprintf("exit code %d", code), map[string]string{
		"process_id": s.ProcessID(),
	})
}

func claimHealth(processID, url string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	healthOwner = processID
	metrics.UpdateComponent(metrics.ComponentDevServer, true, url)
}

// reportExit marks the dev server component unhealthy, unless a newer server
// has taken it over or it was released
func reportExit(processID string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	if healthOwner != processID {
		return
	}
	metrics.UpdateComponent(metrics.ComponentDevServer, false, "exited")
}

// Release stops reporting health for the server with processID. Used when
// the server is stopped on purpose, so its exit is not counted as a failure.
func Release(processID string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	if processID == "" || healthOwner != processID {
		return
	}
	healthOwner = ""
	metrics.RemoveComponent(metrics.ComponentDevServer)
}

// Ready is closed once the server answers HTTP requests
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Exited is closed when the server process exits
func (s *Server) Exited() <-chan struct{} {
	return s.proc.Done()
}

// Info returns where the server can be reached. It is zero until Ready is closed.
func (s *Server) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// ProcessID is the server's ID in the process registry
func (s *Server) ProcessID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processID
}

// Err returns why the server never became ready, if it exited first
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the server is ready, exits, or ctx is done
func (s *Server) Wait(ctx context.Context) (Info, error) {
	select {
	case <-s.ready:
	case <-s.proc.Done():
	case <-s.probeCtx.Done():
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}

	select {
	case <-s.ready:
		return s.Info(), nil
	default:
	}

	select {
	case <-s.proc.Done():
		if err := s.Err(); err != nil {
			return Info{}, err
		}
		return Info{}, ErrExited
	default:
	}
	return Info{}, fmt.Errorf("dev server not ready: %w", s.probeCtx.Err())
}

// urlDetector scans output line by line for an announced local URL
type urlDetector struct {
	mu      sync.Mutex
	partial []byte
	onPort  func(port int)
}

func (d *urlDetector) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.partial = append(d.partial, p...)
	for {
		i := bytes.IndexByte(d.partial, '\n')
		if i < 0 {
			break
		}
		d.scan(d.partial[:i])
		d.partial = d.partial[i+1:]
	}

	// Servers sometimes print the URL without a trailing newline
	if len(d.partial) > 0 {
		if port, ok := findPort(d.partial); ok {
			d.onPort(port)
		}
	}
	if len(d.partial) > 4096 {
		d.partial = d.partial[len(d.partial)-4096:]
	}
	return len(p), nil
}

func (d *urlDetector) scan(line []byte) {
	if port, ok := findPort(line); ok {
		d.onPort(port)
	}
}

// findPort extracts the port of the first local URL in line
func findPort(line []byte) (int, bool) {
	clean := ansiPattern.ReplaceAll(line, nil)
	m := urlPattern.FindSubmatch(clean)
	if m == nil {
		return 0, false
	}
	u, err := url.Parse(string(m[0]))
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}
