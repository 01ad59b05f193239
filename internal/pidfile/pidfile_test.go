package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	apperrors "github.com/fastogt/iptv-daemon/internal/errors"
)

func TestAcquireWritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	f, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer f.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid file contents = %q, want %d", data, os.Getpid())
	}
}

func TestReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	f, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := f.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err = %v", err)
	}
}

func TestReadReturnsPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	f, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer f.Release()

	pid, err := Read(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("Read = %d, %v; want %d, nil", pid, err, os.Getpid())
	}
}

func TestAcquireSecondHolderIsBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	f, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer f.Release()

	_, err = Acquire(path)
	if !apperrors.Is(err, apperrors.KindBusy) {
		t.Fatalf("expected Busy for second acquire, got %v", err)
	}
}

func TestReadMissingFileIsNotFound(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.pid"))
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
