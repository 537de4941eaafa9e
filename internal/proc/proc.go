package proc

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	procFS = "/proc"

	// ErrProcessNotFound means the process vanished before its /proc
	// entries could be read. Exit events in particular are often only
	// resolvable in a narrow window before the kernel reclaims the
	// process records.
	ErrProcessNotFound = errors.New("process not found")
)

// SetProcFSPath overrides the procfs root, e.g. for a host /proc mounted
// into a container, or a fixture tree in tests.
func SetProcFSPath(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to set proc filesystem to %s: %w", path, err)
	}
	procFS = path
	return nil
}

func pidPath(pid int, name string) string {
	return fmt.Sprintf("%s/%d/%s", procFS, pid, name)
}

// ExePath returns the absolute path of the executable image backing the
// process with the given PID, read from the exe symlink.
func ExePath(pid int) (string, error) {
	p, err := os.Readlink(pidPath(pid, "exe"))
	if err != nil {
		return "", classify(pid, "exe", err)
	}
	// The kernel appends this suffix when the image was unlinked while
	// still mapped.
	return strings.TrimSuffix(p, " (deleted)"), nil
}

// Comm returns the process display name. Runtimes may rewrite it: Wine
// replaces its own name with the guest executable's base name once the
// guest program starts.
func Comm(pid int) (string, error) {
	b, err := os.ReadFile(pidPath(pid, "comm"))
	if err != nil {
		return "", classify(pid, "comm", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// CmdlineArgs returns the argument vector of the process.
func CmdlineArgs(pid int) ([]string, error) {
	b, err := os.ReadFile(pidPath(pid, "cmdline"))
	if err != nil {
		return nil, classify(pid, "cmdline", err)
	}

	var args []string
	for _, arg := range strings.Split(string(b), "\x00") {
		if arg != "" {
			args = append(args, arg)
		}
	}
	return args, nil
}

// Cmdline returns the command line of the process as a single
// space-separated string.
func Cmdline(pid int) (string, error) {
	args, err := CmdlineArgs(pid)
	if err != nil {
		return "", err
	}
	return strings.Join(args, " "), nil
}

func classify(pid int, name string, err error) error {
	// ESRCH shows up when the process dies mid-read.
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ESRCH) {
		return ErrProcessNotFound
	}
	return fmt.Errorf("failed to read %s for pid %d: %w", name, pid, err)
}
