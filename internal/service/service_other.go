//go:build !linux && !windows

package service

type unsupported struct{}

// New returns a Service whose operations report ErrUnsupported.
func New(args []string) Service {
	return unsupported{}
}

func (unsupported) Install() error          { return ErrUnsupported }
func (unsupported) Uninstall() error        { return ErrUnsupported }
func (unsupported) IsInstalled() bool       { return false }
func (unsupported) Status() (string, error) { return "", ErrUnsupported }
