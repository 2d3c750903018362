// Package devicemapper wraps the dmsetup CLI for the layered device stack
// devstack assembles: a linear concatenation of block devices, an
// optional cache target, an optional crypt target, and a thin-pool/thin
// volume pair on top. It generalizes what was once a single
// fixed-size-thin-device wrapper into table builders for each target
// kind (see tables.go) plus the lifecycle operations every target kind
// shares (this file) and the thin-pool-specific operations (thinpool.go).
//
// # Cleanup policy (CRITICAL)
//
// Production code paths (internal/devstack, internal/thinpool) must NEVER
// automatically call DeactivateDevice or DeleteDevice on an error path.
// These operations have been observed to trigger kernel-level D-state
// hangs and kernel panics when executed against a stressed or buggy
// dm-thin stack. Follow the "fail-dumb" pattern instead:
//
//  1. Log the failure with full context (pool, device, table, error).
//  2. Leave the device active for garbage collection or manual cleanup.
//  3. Return the error without attempting to tear anything down.
//
// Cleanup happens only via a separate idle-time GC pass or explicit
// administrative command, never from an error-handling branch.
package devicemapper

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Client wraps dmsetup/cryptsetup/mount operations for one DM device
// stack. A process typically holds one Client per pool's mailbox
// goroutine, so the mutex here serializes DM calls within that
// single goroutine's operations rather than across the whole daemon.
type Client struct {
	logger *logrus.Logger
	mu     sync.Mutex
}

// New creates a devicemapper client with a default logger.
func New() *Client {
	return &Client{logger: logrus.New()}
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the client, for callers (the
// simulator harness, tests) where dmsetup log lines would be noise.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// DeviceInfo describes an activated (or about-to-be-activated) DM device.
type DeviceInfo struct {
	Name       string
	DevicePath string
	Active     bool
	SizeBytes  int64
}

func (c *Client) run(ctx context.Context, name string, args ...string) (string, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	dur := time.Since(start)
	fields := logrus.Fields{
		"command":     name,
		"args":        args,
		"duration_ms": dur.Milliseconds(),
		"stdout":      string(output),
	}
	if cmd.ProcessState != nil {
		fields["exit_code"] = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		c.logger.WithFields(fields).Debug(name + " failed")
	} else {
		c.logger.WithFields(fields).Debug(name + " completed")
	}
	return string(output), err
}

// CreateTable activates a new DM device called name from the given table
// string (one line per target segment, as produced by tables.go's
// builders). This replaces what used to be a thin-device-only
// "dmsetup create"; every node kind in the layered stack — linear,
// cache, crypt, thin-pool, thin volume — goes through this one call.
func (c *Client) CreateTable(ctx context.Context, name, table string) (*DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateDeviceName(name); err != nil {
		return nil, fmt.Errorf("invalid device name: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{"device_name": name, "table": table})
	logger.Info("activating device")

	output, err := c.run(ctx, "dmsetup", "create", name, "--table", table)
	if err != nil {
		outputStr := output
		if strings.Contains(outputStr, "File exists") || strings.Contains(outputStr, "already exists") {
			return nil, &DeviceExistsError{DeviceID: name}
		}
		logger.WithFields(logrus.Fields{"error": err.Error(), "output": outputStr}).
			Warn("failed to activate device; leaving any partial state for manual/GC cleanup")
		return nil, fmt.Errorf("failed to activate device %s: %w (output: %s)", name, err, outputStr)
	}

	logger.Info("device activated successfully")
	return &DeviceInfo{Name: name, DevicePath: c.GetDevicePath(name), Active: true}, nil
}

// ReloadTable swaps a live device's table for grow/reconfigure operations
// (the "suspend -> reload -> resume" grow sequence). The device
// must already be active.
func (c *Client) ReloadTable(ctx context.Context, name, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger := c.logger.WithFields(logrus.Fields{"device_name": name, "table": table})

	if err := c.suspendDeviceUnlocked(ctx, name); err != nil {
		return fmt.Errorf("suspend before reload: %w", err)
	}

	if _, err := c.run(ctx, "dmsetup", "load", name, "--table", table); err != nil {
		// Try to resume with the old table so the device isn't left suspended.
		if rerr := c.resumeDeviceUnlocked(ctx, name); rerr != nil {
			logger.WithError(rerr).Error("failed to resume device after failed reload; device left suspended for manual intervention")
		}
		return fmt.Errorf("load new table for %s: %w", name, err)
	}

	if err := c.resumeDeviceUnlocked(ctx, name); err != nil {
		return fmt.Errorf("resume after reload: %w", err)
	}
	logger.Info("table reloaded successfully")
	return nil
}

// SuspendDevice suspends a DM device. Required by the kernel before
// snapshotting or reloading its table while it is live.
func (c *Client) SuspendDevice(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspendDeviceUnlocked(ctx, name)
}

func (c *Client) suspendDeviceUnlocked(ctx context.Context, name string) error {
	logger := c.logger.WithField("device_name", name)
	if _, err := c.run(ctx, "dmsetup", "suspend", name); err != nil {
		logger.WithError(err).Warn("failed to suspend device (may be inactive or already suspended)")
		return fmt.Errorf("suspend device %s: %w", name, err)
	}
	return nil
}

// ResumeDevice resumes a suspended DM device.
func (c *Client) ResumeDevice(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeDeviceUnlocked(ctx, name)
}

func (c *Client) resumeDeviceUnlocked(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "dmsetup", "resume", name); err != nil {
		c.logger.WithField("device_name", name).WithError(err).Error("failed to resume device")
		return fmt.Errorf("resume device %s: %w", name, err)
	}
	return nil
}

// DeactivateDevice tears a device down using a two-stage fallback: a
// verified remove, then a forced remove. See the package-level cleanup
// policy: callers must never invoke this from an error-handling branch.
func (c *Client) DeactivateDevice(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateDeviceName(name); err != nil {
		return fmt.Errorf("invalid device name: %w", err)
	}

	logger := c.logger.WithField("device_name", name)

	exists, err := c.deviceExistsUnlocked(ctx, name)
	if err != nil {
		logger.WithError(err).Warn("failed to check device existence")
	}
	if !exists {
		logger.Info("device not found, already deactivated")
		return nil
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	output, err := c.run(ctxTimeout, "dmsetup", "remove", "--verifyudev", name)
	if err == nil {
		logger.Info("device deactivated successfully")
		return nil
	}
	if strings.Contains(output, "not found") || strings.Contains(output, "No such") {
		logger.Warn("device not found, already deactivated")
		return nil
	}

	logger.Warn("standard remove failed, trying force remove with udev sync")
	ctxTimeout2, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	_, err2 := c.run(ctxTimeout2, "dmsetup", "remove", "--verifyudev", "--force", name)
	if err2 == nil {
		logger.Info("device force-deactivated successfully")
		return nil
	}

	logger.WithField("output", output).Error("all deactivation strategies failed (possible kernel deadlock)")
	return fmt.Errorf("deactivate device %s (possible kernel deadlock): %w", name, err)
}

// DeviceExists reports whether a device is active, with a timeout so a
// wedged devicemapper stack cannot hang the caller indefinitely.
func (c *Client) DeviceExists(ctx context.Context, name string) (bool, error) {
	return c.deviceExistsUnlocked(ctx, name)
}

func (c *Client) deviceExistsUnlocked(ctx context.Context, name string) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.run(ctxTimeout, "dmsetup", "info", name)
	if err != nil {
		if ctxTimeout.Err() != nil {
			return false, fmt.Errorf("device existence check for %s timed out (devicemapper may be hung): %w", name, ctxTimeout.Err())
		}
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check device existence for %s: %w", name, err)
	}
	return true, nil
}

// GetDevicePath returns the /dev/mapper path for a DM device name.
func (c *Client) GetDevicePath(name string) string {
	return fmt.Sprintf("/dev/mapper/%s", name)
}

// MountDevice mounts devicePath at mountPoint, idempotently.
func (c *Client) MountDevice(ctx context.Context, devicePath, mountPoint string) error {
	logger := c.logger.WithFields(logrus.Fields{"device": devicePath, "mount": mountPoint})

	mounted, err := c.IsMounted(mountPoint)
	if err != nil {
		logger.WithError(err).Warn("failed to check mount status, continuing anyway")
	} else if mounted {
		logger.Info("already mounted, skipping")
		return nil
	}

	if _, err := os.Stat(devicePath); err != nil {
		return fmt.Errorf("device %s not accessible: %w", devicePath, err)
	}
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("create mount point %s: %w", mountPoint, err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	output, err := c.run(ctxTimeout, "mount", "-o", "noatime,nodiratime", devicePath, mountPoint)
	if err != nil {
		if ctxTimeout.Err() != nil {
			return fmt.Errorf("mount %s timed out after 10s (device may be in bad state): %w", devicePath, ctxTimeout.Err())
		}
		return fmt.Errorf("mount %s: %w (output: %s)", devicePath, err, output)
	}
	logger.Info("mounted successfully")
	return nil
}

// IsMounted reports whether mountPoint appears in /proc/mounts.
func (c *Client) IsMounted(mountPoint string) (bool, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false, fmt.Errorf("read /proc/mounts: %w", err)
	}
	return strings.Contains(string(data), mountPoint), nil
}

// UnmountDevice unmounts mountPoint using a three-stage fallback: lazy
// unmount first (never blocks on dirty-page flush, the safe choice for a
// dm-thin-backed filesystem), then force, then a standard unmount as a
// last resort.
func (c *Client) UnmountDevice(ctx context.Context, mountPoint string) error {
	logger := c.logger.WithField("mount", mountPoint)

	mounted, err := c.IsMounted(mountPoint)
	if err != nil {
		logger.WithError(err).Warn("failed to check mount status")
	}
	if !mounted {
		logger.Info("not mounted, skipping unmount")
		return nil
	}

	ctxTimeout1, cancel1 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel1()
	output, err := c.run(ctxTimeout1, "umount", "-l", mountPoint)
	if err == nil {
		return nil
	}
	if strings.Contains(output, "not mounted") {
		return nil
	}

	logger.Warn("lazy unmount failed, trying force unmount")
	ctxTimeout2, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	if _, err2 := c.run(ctxTimeout2, "umount", "-f", mountPoint); err2 == nil {
		return nil
	}

	logger.Warn("force unmount failed, trying standard unmount (may block)")
	ctxTimeout3, cancel3 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel3()
	if _, err3 := c.run(ctxTimeout3, "umount", mountPoint); err3 == nil {
		return nil
	}

	return fmt.Errorf("all unmount strategies failed for %s: %w", mountPoint, err)
}
