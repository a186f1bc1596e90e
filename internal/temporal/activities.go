package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smartrouter/smartrouter/internal/discovery"
	"github.com/smartrouter/smartrouter/internal/router"
)

// Activities hold the live dependencies the discovery workflow calls into.
// The workflow itself stays deterministic; everything that touches the
// network or the registry happens here.
type Activities struct {
	svc    *discovery.Service
	reg    *router.Registry
	logger *slog.Logger
}

// NewActivities wires activities to the in-process discovery service and
// channel registry.
func NewActivities(svc *discovery.Service, reg *router.Registry, logger *slog.Logger) *Activities {
	return &Activities{svc: svc, reg: reg, logger: logger}
}

// ListChannelIDs returns the IDs of all enabled channels in registry order.
func (a *Activities) ListChannelIDs(ctx context.Context) ([]string, error) {
	channels := a.reg.EnabledChannels()
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	return ids, nil
}

// RefreshChannel re-discovers the model catalog for one channel. A channel
// that is unknown or disabled yields an error so the workflow can count it
// as failed without aborting the pass.
func (a *Activities) RefreshChannel(ctx context.Context, channelID string) (ChannelRefreshResult, error) {
	if !a.svc.RefreshChannel(ctx, channelID) {
		err := fmt.Errorf("channel %s not found or disabled", channelID)
		return ChannelRefreshResult{ChannelID: channelID, Error: err.Error()}, err
	}
	a.logger.Debug("discovery activity refreshed channel", "channel", channelID)
	return ChannelRefreshResult{ChannelID: channelID, Refreshed: true}, nil
}
