package domain

import "context"

// SystemAPI is the host OS surface the lifecycle needs.
type SystemAPI interface {
	Hostname() (string, error)
	SetHostname(ctx context.Context, name string) error
	Reboot(ctx context.Context) error
}

// RoleParams resolves role-level parameters published by the control plane.
type RoleParams interface {
	ResumeStrategy(ctx context.Context) (string, error)
}

// Platform is the cloud platform the host runs on. Every call is best-effort.
type Platform interface {
	Name() string
	ReleaseStaticNAT(ctx context.Context) error
	DetachVolume(ctx context.Context, volume map[string]any) error
}

// IdentityChecker reports whether the persisted enrollment identity
// still belongs to this host. It returns false for a rebundled image.
type IdentityChecker interface {
	IdentityCurrent(ctx context.Context) (bool, error)
	ResetIdentity(ctx context.Context) error
}
