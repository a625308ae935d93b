// Package lineage resolves a device's ownership chain (device -> site ->
// program -> company) and decides whether a message from that device may
// enter the pipeline.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/canopysense/gateway/internal/model"
	"github.com/canopysense/gateway/internal/store"
)

// ErrUnresolved marks every resolution failure. Callers drop the message
// and move on; the device is never asked to retry.
var ErrUnresolved = errors.New("lineage unresolved")

type Resolver struct {
	repo *store.Repo
}

func New(repo *store.Repo) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve maps a MAC to its full lineage. Unknown MACs get a stub Device
// row (pending_mapping, inactive) so firmware can connect before an
// operator finishes onboarding, but the triggering message is still
// dropped via ErrUnresolved. An inactive device with a valid chain
// resolves successfully; the pipeline answers it with a sleep command
// rather than dropping it silently.
func (r *Resolver) Resolve(ctx context.Context, mac string) (*store.Lineage, error) {
	dev, err := r.repo.DeviceByMAC(ctx, mac)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		if _, err := r.repo.EnsureStubDevice(ctx, mac); err != nil {
			return nil, fmt.Errorf("provision stub for %s: %w", mac, err)
		}
		slog.Info("stub device provisioned", "mac", mac)
		return nil, fmt.Errorf("%w: unknown device %s", ErrUnresolved, mac)
	}
	if dev.ProvisioningState == model.ProvisioningPending {
		return nil, fmt.Errorf("%w: device %s awaiting mapping", ErrUnresolved, mac)
	}

	lin, err := r.repo.LineageByMAC(ctx, mac)
	if err != nil {
		return nil, err
	}
	if lin == nil {
		return nil, fmt.Errorf("%w: device %s has no active site assignment", ErrUnresolved, mac)
	}
	if !lin.ProgramActive {
		return nil, fmt.Errorf("%w: device %s belongs to an inactive program", ErrUnresolved, mac)
	}
	return lin, nil
}
