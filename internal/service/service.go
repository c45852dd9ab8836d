package service

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// Name identifies the autostart entry on every platform.
const Name = "lxi-agent"

var (
	ErrNotInstalled     = errors.New("service is not installed")
	ErrAlreadyInstalled = errors.New("service is already installed")
	ErrUnsupported      = errors.New("autostart is not supported on this platform")
)

// Service starts the WebSocket API at login.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

const unitTemplate = `[Unit]
Description=LXI Agent - ClientBridge card identification API
After=network-online.target

[Service]
Type=simple
ExecStart={{.Command}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// Args returns the arguments the autostart entry passes, quoted where they
// contain spaces.
func Args(extra []string) []string {
	args := []string{"serve"}
	for _, a := range extra {
		args = append(args, quote(a))
	}
	return args
}

// Command returns the serve command line for execPath.
func Command(execPath string, extra []string) string {
	return quote(execPath) + " " + strings.Join(Args(extra), " ")
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

// Unit renders a systemd user unit that runs the serve command.
func Unit(execPath string, extra []string) (string, error) {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse unit template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, struct{ Command string }{Command(execPath, extra)}); err != nil {
		return "", fmt.Errorf("failed to render unit: %w", err)
	}
	return b.String(), nil
}
