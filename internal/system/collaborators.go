package system

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qudata/fleet-agent/internal/domain"
	"github.com/qudata/fleet-agent/internal/storage"
)

// StoreRoleParams reads role parameters from the base configuration
// merged in by the last HostInitResponse.
type StoreRoleParams struct {
	Store *storage.Store
}

func (p StoreRoleParams) ResumeStrategy(context.Context) (string, error) {
	var base map[string]any
	if _, err := p.Store.Get(storage.KeyBaseConfig, &base); err != nil {
		return "", err
	}
	if v, ok := base["resume_strategy"].(string); ok && v != "" {
		return v, nil
	}
	return domain.ResumeReboot, nil
}

// NoopPlatform is used when no cloud platform is configured.
type NoopPlatform struct {
	Logger *slog.Logger
}

func (NoopPlatform) Name() string { return "none" }

func (p NoopPlatform) ReleaseStaticNAT(context.Context) error {
	p.Logger.Debug("no platform, static NAT release skipped")
	return nil
}

func (p NoopPlatform) DetachVolume(_ context.Context, volume map[string]any) error {
	p.Logger.Debug("no platform, volume detach skipped", "volume", volume)
	return nil
}

// StoreIdentity compares the enrollment identity recorded in the store
// with the one configured for this host.
type StoreIdentity struct {
	Store    *storage.Store
	ServerID string
}

func (i StoreIdentity) IdentityCurrent(context.Context) (bool, error) {
	var stored string
	ok, err := i.Store.Get(storage.KeyServerID, &stored)
	if err != nil {
		return false, err
	}
	if !ok {
		// first start: adopt the configured identity
		if err := i.Store.Set(storage.KeyServerID, i.ServerID); err != nil {
			return false, fmt.Errorf("record server id: %w", err)
		}
		return true, nil
	}
	return stored == i.ServerID, nil
}

func (i StoreIdentity) ResetIdentity(context.Context) error {
	if err := i.Store.Reset(); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	return i.Store.Set(storage.KeyServerID, i.ServerID)
}
