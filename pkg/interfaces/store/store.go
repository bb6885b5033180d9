package store

import "context"

// Installer bootstraps the persistent schema.
type Installer interface {
	Install(ctx context.Context) error
}

// NopInstaller is used by stores that need no schema.
type NopInstaller struct{}

var _ Installer = (*NopInstaller)(nil)

func (n *NopInstaller) Install(ctx context.Context) error { return nil }
