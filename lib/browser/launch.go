package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

var browserCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"msedge",
}

type LaunchOptions struct {
	// ExecPath is looked up on PATH among common chromium builds when empty.
	ExecPath   string
	Port       int
	ProfileDir string
	Settle     time.Duration
}

func (o LaunchOptions) args() ([]string, error) {
	profile, err := filepath.Abs(o.ProfileDir)
	if err != nil {
		return nil, err
	}
	return []string{
		"--remote-debugging-port=" + strconv.Itoa(o.Port),
		"--user-data-dir=" + profile,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-session-crashed-bubble",
		"--start-maximized",
	}, nil
}

func findBrowser(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, name := range browserCandidates {
		path, err := exec.LookPath(name)
		if err == nil {
			return path, nil
		}
	}
	return "", errors.New("no chromium based browser found on PATH, set browser.exec_path")
}

// Launch starts a browser process that outlives this program, waits for it
// to settle and connects to its debug port.
func Launch(ctx context.Context, opts LaunchOptions, mode PageMode) (Session, error) {
	execPath, err := findBrowser(opts.ExecPath)
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(opts.ProfileDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	args, err := opts.args()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(execPath, args...)
	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", execPath, err)
	}
	slog.InfoContext(ctx, "launched browser", "path", execPath, "port", opts.Port, "pid", cmd.Process.Pid)
	err = cmd.Process.Release()
	if err != nil {
		slog.WarnContext(ctx, "failed to release browser process", "err", err)
	}

	err = Sleep(ctx, opts.Settle)
	if err != nil {
		return nil, err
	}
	return Connect(ctx, fmt.Sprintf("http://127.0.0.1:%d", opts.Port), mode)
}
