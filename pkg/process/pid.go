// Package process provides utilities for process-related operations, such as
// PID file handling and liveness checks used by the port registry's
// stale-entry reclamation.
package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
)

// GetPIDFilePath returns the path to the PID file for a broker instance.
func GetPIDFilePath(instanceID string) (string, error) {
	pidPath, err := xdg.DataFile(filepath.Join("tabmux", "pids", fmt.Sprintf("tabmux-%s.pid", instanceID)))
	if err != nil {
		return "", fmt.Errorf("failed to get PID file path: %w", err)
	}
	return pidPath, nil
}

// WritePIDFile writes a process ID to the instance's PID file.
func WritePIDFile(instanceID string, pid int) error {
	pidPath, err := GetPIDFilePath(instanceID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// WriteCurrentPIDFile writes the current process ID to the instance's PID file.
func WriteCurrentPIDFile(instanceID string) error {
	return WritePIDFile(instanceID, os.Getpid())
}

// ReadPIDFile reads the process ID from the instance's PID file.
func ReadPIDFile(instanceID string) (int, error) {
	pidPath, err := GetPIDFilePath(instanceID)
	if err != nil {
		return 0, err
	}
	pidBytes, err := os.ReadFile(filepath.Clean(pidPath))
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse PID: %w", err)
	}
	return pid, nil
}

// RemovePIDFile removes the instance's PID file. Best-effort.
func RemovePIDFile(instanceID string) error {
	pidPath, err := GetPIDFilePath(instanceID)
	if err != nil {
		return err
	}
	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
