package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
	"github.com/fastogt/iptv-daemon/internal/model"
	"github.com/fastogt/iptv-daemon/internal/stats"
)

// Spawner creates the child process (or process stand-in, in tests) that
// will run a worker.Runner against region, returning the pid and the
// parent-side end of the control socketpair.
type Spawner interface {
	Spawn(cfg model.Config, region *stats.Region) (pid int, link WorkerLink, err error)
}

// ProcessSpawner forks the daemon's worker binary, handing it one end of
// an anonymous socketpair as fd 3 and the other end back to the
// supervisor, mirroring spec §4.5's "create a socketpair; fork" step.
type ProcessSpawner struct {
	// WorkerBinaryPath is the cmd/worker executable to exec.
	WorkerBinaryPath string
}

func (s *ProcessSpawner) Spawn(cfg model.Config, region *stats.Region) (int, WorkerLink, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, nil, apperrors.NewInternal("supervisor.spawn", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "worker-control-parent")
	childFile := os.NewFile(uintptr(fds[1]), "worker-control-child")
	defer childFile.Close()

	parentConn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		childFile.Close()
		return 0, nil, apperrors.NewInternal("supervisor.spawn", err)
	}

	cmd := exec.Command(s.WorkerBinaryPath, "--stream-id", string(cfg.ID))
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parentConn.Close()
		return 0, nil, apperrors.NewInternal("supervisor.spawn", fmt.Errorf("start worker: %w", err))
	}

	link := newWireLink(parentConn)
	go func() {
		state, _ := cmd.Wait()
		link.setExit(state)
	}()

	return cmd.Process.Pid, link, nil
}
