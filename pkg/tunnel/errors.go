package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarting is returned by Start while another Start is in flight.
	ErrAlreadyStarting = errors.New("tunnel start already in progress")
	// ErrBinaryNotInstalled means the tunnel binary could not be found on the host.
	ErrBinaryNotInstalled = errors.New("tunnel binary not installed")
	// ErrDiscoveryTimeout means no public URL appeared before the attempt timed out.
	ErrDiscoveryTimeout = errors.New("timed out waiting for tunnel URL")
	// ErrProcessExited means the tunnel process exited before its URL was discovered.
	ErrProcessExited = errors.New("tunnel process exited")
)

// BinaryNotInstalledError carries remediation text for a missing binary.
type BinaryNotInstalledError struct {
	Binary string
	Hint   string
}

func (e *BinaryNotInstalledError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s not found in PATH", e.Binary)
	}
	return fmt.Sprintf("%s not found in PATH: %s", e.Binary, e.Hint)
}

// Unwrap lets errors.Is match ErrBinaryNotInstalled.
func (*BinaryNotInstalledError) Unwrap() error {
	return ErrBinaryNotInstalled
}
