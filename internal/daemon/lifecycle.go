package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/confsync/confsync/internal/utils"
)

const launchdLabel = "com.confsync.daemon"

// StatusInfo describes a possibly-running daemon instance.
type StatusInfo struct {
	Running bool
	PID     int
	Since   time.Time
}

// Status checks the pidfile against the live process table. A stale pidfile
// (process gone) reports not running.
func Status() (*StatusInfo, error) {
	pid, err := ReadPidFile()
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return &StatusInfo{}, nil
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// No such process: the pidfile is stale.
		return &StatusInfo{PID: pid}, nil
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return &StatusInfo{PID: pid}, nil
	}

	info := &StatusInfo{Running: true, PID: pid}
	if createMillis, err := proc.CreateTime(); err == nil {
		info.Since = time.UnixMilli(createMillis)
	}
	return info, nil
}

// Start re-executes this binary as a detached `daemon run` process and
// returns its PID. The child writes the pidfile itself once it holds the
// instance lock.
func Start(logPath string) (int, error) {
	status, err := Status()
	if err != nil {
		return 0, err
	}
	if status.Running {
		return status.PID, ErrAlreadyRunning
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	if err := utils.EnsureParent(logPath); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "daemon", "run")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	// New session: survives the parent shell and never holds its tty.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// The child is on its own from here.
	if err := cmd.Process.Release(); err != nil {
		slog.Warn("process release failed", "error", err)
	}

	slog.Info("daemon launched", "pid", pid, "log", logPath)
	return pid, nil
}

// Stop signals a running daemon with SIGTERM and waits briefly for it to
// exit. A missing or stale pidfile is a successful no-op.
func Stop() (bool, error) {
	status, err := Status()
	if err != nil {
		return false, err
	}
	if !status.Running {
		// Clear a stale pidfile so status output stays truthful.
		if status.PID != 0 {
			os.Remove(filepath.Join(RuntimeDir(), pidFileName))
		}
		return false, nil
	}

	proc, err := process.NewProcess(int32(status.PID))
	if err != nil {
		return false, nil
	}
	if err := proc.SendSignal(syscall.SIGTERM); err != nil {
		return false, fmt.Errorf("signal daemon %d: %w", status.PID, err)
	}

	// The run loop removes its own pidfile on the way out.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if running, err := proc.IsRunning(); err != nil || !running {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return true, fmt.Errorf("daemon %d did not exit within 5s", status.PID)
}

// Install writes a user-level service definition so the daemon starts at
// login: a launchd agent on darwin, a systemd user unit on linux. Returns the
// written path.
func Install() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	logPath := filepath.Join(RuntimeDir(), "daemon.log")

	switch runtime.GOOS {
	case "darwin":
		path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
		if err := utils.EnsureParent(path); err != nil {
			return "", err
		}
		content := fmt.Sprintf(launchdPlist, launchdLabel, exe, logPath, logPath)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write launchd plist: %w", err)
		}
		return path, nil

	case "linux":
		path := filepath.Join(home, ".config", "systemd", "user", "confsync.service")
		if err := utils.EnsureParent(path); err != nil {
			return "", err
		}
		content := fmt.Sprintf(systemdUnit, exe)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write systemd unit: %w", err)
		}
		return path, nil

	default:
		return "", fmt.Errorf("service install not supported on %s", runtime.GOOS)
	}
}

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>daemon</string>
		<string>run</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>%s</string>
	<key>StandardErrorPath</key>
	<string>%s</string>
</dict>
</plist>
`

const systemdUnit = `[Unit]
Description=ConfSync configuration tree synchronizer

[Service]
ExecStart=%s daemon run
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
