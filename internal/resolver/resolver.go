package resolver

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/procwatch-io/procwatch/internal/proc"
)

// DefaultLoaderNames are the base names under which the Wine runtime's own
// loader binaries appear. The set is configuration, not contract: Wine
// versions have changed it before and may again.
var DefaultLoaderNames = []string{
	"wine-preloader",
	"wine64-preloader",
	"wine",
	"wine64",
	"wineloader",
	"wineloader64",
}

// defaultCommWidth is the kernel's display-name truncation limit
// (TASK_COMM_LEN - 1).
const defaultCommWidth = 15

// Identity is the resolved executable identity of one process.
type Identity struct {
	// Path of the executable. For processes run through a compatibility
	// runtime this names the guest executable, not the loader.
	Path string
	// CmdLine used to launch the process, empty unless requested.
	CmdLine string
}

type Config struct {
	// LoaderNames overrides DefaultLoaderNames when non-empty.
	LoaderNames []string
	// CommWidth overrides the display-name truncation limit when positive.
	CommWidth int
	// WithCmdline includes the process command line in resolved identities.
	WithCmdline bool
}

// Resolver turns a pid into the best-known executable identity. It is
// stateless per event; the only retained state is the configuration and a
// one-shot permission warning.
type Resolver struct {
	logger      *slog.Logger
	loaders     map[string]struct{}
	commWidth   int
	withCmdline bool

	permWarn sync.Once
}

func New(logger *slog.Logger, cfg Config) *Resolver {
	names := cfg.LoaderNames
	if len(names) == 0 {
		names = DefaultLoaderNames
	}
	width := cfg.CommWidth
	if width <= 0 {
		width = defaultCommWidth
	}

	loaders := make(map[string]struct{}, 2*len(names))
	for _, name := range names {
		loaders[name] = struct{}{}
		// A loader's own display name shows up truncated too.
		if len(name) > width {
			loaders[name[:width]] = struct{}{}
		}
	}

	return &Resolver{
		logger:      logger,
		loaders:     loaders,
		commWidth:   width,
		withCmdline: cfg.WithCmdline,
	}
}

// Resolve returns the executable identity for pid, or nil when the process
// vanished before it could be inspected. Losing that race is expected and
// frequent, so it is a first-class outcome rather than an error.
func (r *Resolver) Resolve(pid int) *Identity {
	exePath, err := proc.ExePath(pid)
	if err != nil {
		switch {
		case errors.Is(err, proc.ErrProcessNotFound):
		case errors.Is(err, os.ErrPermission):
			r.permWarn.Do(func() {
				r.logger.Warn("not permitted to inspect processes of other users, their events will be reported without an executable",
					"pid", pid, "error", err)
			})
		default:
			r.logger.Error("failed to resolve process executable", "pid", pid, "error", err)
		}
		return nil
	}

	isLoader := r.isLoaderName(filepath.Base(exePath))

	var args []string
	if r.withCmdline || isLoader {
		// Absence degrades to an empty command line, never a failed
		// resolution.
		args, _ = proc.CmdlineArgs(pid)
	}

	id := &Identity{Path: exePath}
	if isLoader {
		id.Path = r.guestPath(pid, exePath, args)
	}
	if r.withCmdline {
		id.CmdLine = strings.Join(args, " ")
	}
	return id
}

func (r *Resolver) isLoaderName(name string) bool {
	_, ok := r.loaders[name]
	return ok
}

// guestPath substitutes the loader's base name with the display name the
// runtime rewrote to the guest executable's name, keeping the loader's
// directory so the emitted path stays navigable. Early in the guest's
// lifetime the rename may not have happened yet; then the loader's own
// path is the best identity available.
func (r *Resolver) guestPath(pid int, loaderPath string, args []string) string {
	comm, err := proc.Comm(pid)
	if err != nil || comm == "" || r.isLoaderName(comm) {
		return loaderPath
	}

	name := comm
	if len(comm) >= r.commWidth {
		// The display name is truncated by the kernel; complete it from
		// the guest path on the command line when one matches.
		if full, ok := completeFromArgs(comm, args); ok {
			name = full
		}
	}
	return filepath.Join(filepath.Dir(loaderPath), name)
}

func completeFromArgs(truncated string, args []string) (string, bool) {
	for _, arg := range args {
		base := lastPathComponent(arg)
		if len(base) > len(truncated) && strings.HasPrefix(strings.ToLower(base), strings.ToLower(truncated)) {
			return base, true
		}
	}
	return "", false
}

// lastPathComponent handles both separators: guest programs are addressed
// with Windows paths, their launchers with Unix ones.
func lastPathComponent(p string) string {
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[i+1:]
	}
	return p
}
