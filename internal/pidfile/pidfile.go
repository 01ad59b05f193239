// Package pidfile implements the singleton PID file: a single line "PID\n"
// held under an advisory exclusive flock for the daemon's lifetime (spec
// §5 "Shared resources", §6 "PID file").
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
)

// File holds the open, locked PID file. Release removes it and drops the
// lock; the zero value is not usable.
type File struct {
	path string
	f    *os.File
}

// Acquire opens path, takes a non-blocking exclusive advisory lock, and
// writes the current process's pid into it. If another live process
// already holds the lock, it returns a Busy-kind error carrying that
// process's pid so callers can report "already running as pid N".
func Acquire(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, apperrors.NewIO("pidfile.open", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		existing := readPID(f)
		f.Close()
		if existing > 0 {
			return nil, apperrors.NewBusy("pidfile.acquire", fmt.Errorf("daemon already running as pid %d", existing))
		}
		return nil, apperrors.NewBusy("pidfile.acquire", err)
	}

	if err := f.Truncate(0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, apperrors.NewIO("pidfile.truncate", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, apperrors.NewIO("pidfile.write", err)
	}

	return &File{path: path, f: f}, nil
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

// Read returns the pid recorded at path without acquiring the lock; the
// daemon's `--reload` command uses it to find the process to signal.
func Read(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, apperrors.NewNotFound("pidfile.read", err)
	}
	defer f.Close()
	pid := readPID(f)
	if pid <= 0 {
		return 0, apperrors.NewInvalidConfig("pidfile.read", fmt.Errorf("pid file %s does not contain a valid pid", path))
	}
	return pid, nil
}

// Release unlocks, closes, and removes the pid file. Called on orderly
// daemon shutdown only; a crash leaves the file behind, but the kernel
// drops the flock with the dead process, so the next Acquire takes the
// lock and overwrites the stale pid.
func (p *File) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	p.f.Close()
	err := os.Remove(p.path)
	p.f = nil
	if err != nil && !os.IsNotExist(err) {
		return apperrors.NewIO("pidfile.release", err)
	}
	return nil
}
