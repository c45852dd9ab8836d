//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type linuxService struct {
	args []string
}

// New returns a systemd user service that runs "serve" with args.
func New(args []string) Service {
	return &linuxService{args: args}
}

func (s *linuxService) unitPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", Name+".service")
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	unit, err := Unit(execPath, s.args)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.unitPath()), 0755); err != nil {
		return fmt.Errorf("failed to create systemd user directory: %w", err)
	}
	if err := os.WriteFile(s.unitPath(), []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if err := systemctl("enable", "--now", Name+".service"); err != nil {
		return fmt.Errorf("failed to enable service: %w", err)
	}
	return nil
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Best effort; the unit may already be stopped.
	_ = systemctl("disable", "--now", Name+".service")

	if err := os.Remove(s.unitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	_ = systemctl("daemon-reload")
	return nil
}

func (s *linuxService) IsInstalled() bool {
	_, err := os.Stat(s.unitPath())
	return err == nil
}

func (s *linuxService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	out, _ := exec.Command("systemctl", "--user", "is-active", Name+".service").Output()
	if strings.TrimSpace(string(out)) == "active" {
		return "running", nil
	}
	return "installed but not running", nil
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
