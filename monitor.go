package procwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/procwatch-io/procwatch/internal/common"
	"github.com/procwatch-io/procwatch/internal/connector"
	"github.com/procwatch-io/procwatch/internal/proc"
	"github.com/procwatch-io/procwatch/internal/resolver"
)

// Startup and termination errors, re-exported for callers that want to turn
// them into actionable operator messages.
var (
	// ErrPermissionDenied means the kernel refused the process events
	// subscription; kernels before 6.6 restrict it to root (CAP_NET_ADMIN).
	ErrPermissionDenied = connector.ErrPermissionDenied
	// ErrUnsupportedKernel means the kernel was built without the process
	// events connector.
	ErrUnsupportedKernel = connector.ErrUnsupportedKernel
)

type EventType int

const (
	ProcessExecEvent EventType = EventType(common.EventTypeExec)
	ProcessExitEvent EventType = EventType(common.EventTypeExit)
)

func (et EventType) String() string {
	return common.EventType(et).String()
}

// Executable identifies the file backing a process. For processes launched
// through the Wine runtime this names the guest executable, not the loader.
type Executable struct {
	Path string
	// CmdLine used to launch the process; set only with WithCmdline.
	CmdLine string
}

// ResolvedEvent pairs one process lifecycle event with its resolved
// executable identity. Events are emitted in exactly the order the kernel
// delivered them; successive events are not correlated in any way.
type ResolvedEvent struct {
	EventType EventType
	PID       int
	// Executable is nil when the process vanished before it could be
	// inspected. That race is inherent and lost frequently, especially on
	// exit events; it is an expected outcome, not a failure.
	Executable *Executable
}

func (re ResolvedEvent) String() string {
	if re.Executable != nil {
		return fmt.Sprintf("%s: PID: %d, path: %s", re.EventType, re.PID, re.Executable.Path)
	}
	return fmt.Sprintf("%s: PID: %d", re.EventType, re.PID)
}

// frameSource is the kernel event channel the monitor drains. Satisfied by
// *connector.Connector; a test double stands in for it in unit tests.
type frameSource interface {
	Receive(buf []byte) (int, error)
	Close() error
}

// executableResolver is satisfied by *resolver.Resolver.
type executableResolver interface {
	Resolve(pid int) *resolver.Identity
}

// Monitor owns the single control loop: receive, decode, filter, resolve,
// forward. There is no internal parallelism; blocking happens only inside
// the connector's receive call, and every event is fully handled before the
// next frame is requested.
type Monitor struct {
	logger           *slog.Logger
	output           chan<- ResolvedEvent
	res              executableResolver
	exePathsToFilter map[string]struct{}

	// filteredPIDs holds pids whose exec event was dropped by the exe path
	// filter, so their exit events are dropped as well.
	filteredPIDs map[int]struct{}

	// openSource is swapped out in tests.
	openSource func() (frameSource, error)
}

type monitorConfig struct {
	logger           *slog.Logger
	procFSPath       string
	withCmdline      bool
	loaderNames      []string
	exePathsToFilter map[string]struct{}
}

// Option applies a configuration option to [Monitor].
type Option interface {
	apply(monitorConfig) (monitorConfig, error)
}

type fnOpt func(monitorConfig) (monitorConfig, error)

func (o fnOpt) apply(c monitorConfig) (monitorConfig, error) { return o(c) }

// NewMonitor creates a new [Monitor] which sends every resolved process
// event to the provided output channel. Monitoring starts when
// [Monitor.Run] is called; the output channel is closed when the monitor
// stops.
func NewMonitor(output chan<- ResolvedEvent, opts ...Option) (*Monitor, error) {
	if output == nil {
		return nil, errors.New("output channel is nil")
	}

	c, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	if c.procFSPath != "" {
		if err := proc.SetProcFSPath(c.procFSPath); err != nil {
			return nil, err
		}
	}

	res := resolver.New(c.logger, resolver.Config{
		LoaderNames: c.loaderNames,
		WithCmdline: c.withCmdline,
	})

	logger := c.logger
	return &Monitor{
		logger:           logger,
		output:           output,
		res:              res,
		exePathsToFilter: c.exePathsToFilter,
		filteredPIDs:     make(map[int]struct{}),
		openSource: func() (frameSource, error) {
			return connector.Open(logger)
		},
	}, nil
}

// Run subscribes to kernel process events and blocks until the context is
// canceled or an unrecoverable error occurs. The output channel is closed
// when the monitor stops.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.output)

	src, err := m.openSource()
	if err != nil {
		return err
	}

	// Cancellation is observed at the channel boundary: closing the
	// connector unblocks the pending receive within one cycle.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			src.Close()
		case <-stopped:
		}
	}()
	defer src.Close()

	buf := make([]byte, connector.ReceiveBufferSize)
	for {
		n, err := src.Receive(buf)
		if errors.Is(err, connector.ErrClosed) {
			m.logger.Info("process events connector closed, stopping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive process events: %w", err)
		}

		events, decErr := connector.DecodeFrame(buf[:n])
		if decErr != nil {
			// Malformed frames are skipped, the loop keeps running.
			m.logger.Error("skipping malformed process events frame", "error", decErr)
		}
		for _, ev := range events {
			m.handleEvent(ev)
		}
	}
}

func (m *Monitor) handleEvent(ev common.LifecycleEvent) {
	if ev.Type == common.EventTypeOther {
		// Dropped before resolution, no resolver call is spent on these.
		return
	}

	if ev.Type == common.EventTypeExit {
		if _, ok := m.filteredPIDs[ev.PID]; ok {
			delete(m.filteredPIDs, ev.PID)
			return
		}
	}

	identity := m.res.Resolve(ev.PID)

	if ev.Type == common.EventTypeExec && identity != nil && m.pathFiltered(identity.Path) {
		m.logger.Debug("skipping process event, executable path is filtered",
			"pid", ev.PID, "exePath", identity.Path)
		m.filteredPIDs[ev.PID] = struct{}{}
		return
	}

	re := ResolvedEvent{EventType: EventType(ev.Type), PID: ev.PID}
	if identity != nil {
		re.Executable = &Executable{Path: identity.Path, CmdLine: identity.CmdLine}
	}
	m.output <- re
}

func (m *Monitor) pathFiltered(path string) bool {
	_, ok := m.exePathsToFilter[path]
	return ok
}

func newDefaultLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newConfig(opts []Option) (monitorConfig, error) {
	var (
		c   monitorConfig
		err error
	)

	for _, opt := range opts {
		if opt != nil {
			var e error
			c, e = opt.apply(c)
			err = errors.Join(err, e)
		}
	}

	if c.logger == nil {
		c.logger = newDefaultLogger()
	}
	if c.exePathsToFilter == nil {
		c.exePathsToFilter = make(map[string]struct{})
	}

	return c, err
}

func WithLogger(l *slog.Logger) Option {
	return fnOpt(func(c monitorConfig) (monitorConfig, error) {
		c.logger = l
		return c, nil
	})
}

// WithProcFSPath returns an [Option] that configures a [Monitor] to use the
// specified path as the proc filesystem root. Useful for containers that
// mount the host /proc somewhere else. The default is "/proc".
func WithProcFSPath(path string) Option {
	return fnOpt(func(c monitorConfig) (monitorConfig, error) {
		if path == "" {
			return c, fmt.Errorf("procFSPath cannot be empty")
		}
		c.procFSPath = path
		return c, nil
	})
}

// WithCmdline returns an [Option] that configures a [Monitor] to include
// the process command line in resolved events.
func WithCmdline() Option {
	return fnOpt(func(c monitorConfig) (monitorConfig, error) {
		c.withCmdline = true
		return c, nil
	})
}

// WithLoaderNames returns an [Option] that overrides the set of
// compatibility-runtime loader base names. When a process's executable
// matches one of these names, the resolver substitutes the guest executable
// the runtime is actually running. The default covers current Wine.
func WithLoaderNames(names ...string) Option {
	return fnOpt(func(c monitorConfig) (monitorConfig, error) {
		if len(names) == 0 {
			return c, errors.New("at least one loader name is required")
		}
		c.loaderNames = names
		return c, nil
	})
}

// WithExePathsToFilter returns an [Option] that configures a [Monitor] to
// drop events for processes running any of the specified executables. Exit
// events of a filtered process are dropped together with its exec event.
func WithExePathsToFilter(paths ...string) Option {
	return fnOpt(func(c monitorConfig) (monitorConfig, error) {
		pathsMap := make(map[string]struct{}, len(paths))
		for _, p := range paths {
			pathsMap[p] = struct{}{}
		}
		c.exePathsToFilter = pathsMap
		return c, nil
	})
}
