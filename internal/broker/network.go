// Package broker prepares the MQTT side of a deployment: the private bus
// network that skill containers share with the broker, and the mosquitto
// configuration that delegates authentication to this service.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dyluth/skillbox/internal/docker"
	"github.com/dyluth/skillbox/internal/runtime"
)

// NetworkResult describes what EnsureNetwork did.
type NetworkResult struct {
	NetworkID string
	Created   bool
	Connected bool
}

// EnsureNetwork makes sure the bus network exists and that container self is
// attached to it under the broker alias. It is safe to run repeatedly.
func EnsureNetwork(ctx context.Context, engine runtime.Engine, network, self string, logger *slog.Logger) (*NetworkResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if network == "" {
		network = docker.BusNetwork
	}

	details, err := engine.Inspect(ctx, self)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own container %s: %w", self, err)
	}
	selfID := details.ID

	networks, err := engine.Networks(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}

	aliases := []string{docker.BrokerAlias}

	if len(networks) == 0 {
		logger.Info("creating bus network", "event", "network_create", "network", network)
		id, err := engine.CreateNetwork(ctx, runtime.NetworkSpec{
			Name:     network,
			Driver:   "bridge",
			Internal: true,
			Labels:   map[string]string{docker.LabelManaged: "true"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create network %s: %w", network, err)
		}
		if err := engine.Connect(ctx, id, selfID, aliases); err != nil {
			return nil, fmt.Errorf("failed to connect to network %s: %w", network, err)
		}
		return &NetworkResult{NetworkID: id, Created: true, Connected: true}, nil
	}

	for _, n := range networks {
		for _, member := range n.Containers {
			if member == selfID {
				return &NetworkResult{NetworkID: n.ID}, nil
			}
		}
	}

	logger.Info("connecting to bus network", "event", "network_connect", "network", network, "container", selfID)
	if err := engine.Connect(ctx, networks[0].ID, selfID, aliases); err != nil {
		return nil, fmt.Errorf("failed to connect to network %s: %w", network, err)
	}
	return &NetworkResult{NetworkID: networks[0].ID, Connected: true}, nil
}
