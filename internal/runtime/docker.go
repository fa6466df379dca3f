// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/flywall/routerd/internal/eventbus"
)

// Container represents a partial Docker container object, focused on network details.
type Container struct {
	ID              string
	Names           []string
	Image           string
	State           string
	Status          string
	NetworkSettings NetworkSettings
	Labels          map[string]string
}

type NetworkSettings struct {
	Networks map[string]NetworkEndpoint
}

type NetworkEndpoint struct {
	IPAddress  string
	Gateway    string
	MacAddress string
	NetworkID  string
	EndpointID string
}

// DockerClient wraps the real Docker Engine API SDK client, used by
// Flow Target container resolution (§4.6.2) to list and watch the
// containers a `container:<name>` target may refer to.
type DockerClient struct {
	cli      *dockerclient.Client
	mockMode bool
}

// NewDockerClient connects to socketPath (or DOCKER_HOST/the default
// socket if empty), negotiating the daemon's API version the way
// r1cht4-envoyage's watcher does.
func NewDockerClient(socketPath string) (*DockerClient, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to docker daemon: %w", err)
	}
	return &DockerClient{cli: cli}, nil
}

// NewMockDockerClient creates a client that returns static dummy data (for QA/Dev).
func NewMockDockerClient() *DockerClient {
	return &DockerClient{mockMode: true}
}

// ListContainers returns every container, running or not.
func (c *DockerClient) ListContainers(ctx context.Context) ([]Container, error) {
	if c.mockMode {
		return mockContainers(), nil
	}

	summaries, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("runtime: list containers: %w", err)
	}

	out := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		networks := make(map[string]NetworkEndpoint, len(s.NetworkSettings.Networks))
		for name, ep := range s.NetworkSettings.Networks {
			networks[name] = NetworkEndpoint{
				IPAddress:  ep.IPAddress,
				Gateway:    ep.Gateway,
				MacAddress: ep.MacAddress,
				NetworkID:  ep.NetworkID,
				EndpointID: ep.EndpointID,
			}
		}
		out = append(out, Container{
			ID:              s.ID,
			Names:           s.Names,
			Image:           s.Image,
			State:           s.State,
			Status:          s.Status,
			Labels:          s.Labels,
			NetworkSettings: NetworkSettings{Networks: networks},
		})
	}
	return out, nil
}

// parseContainers decodes a Docker Engine API container-list JSON body
// into Containers.
func parseContainers(r io.Reader) ([]Container, error) {
	var out []Container
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("runtime: decode containers: %w", err)
	}
	return out, nil
}

// Watch subscribes to the Docker container event stream and publishes
// a eventbus.DockerEvent for every start/stop/die and network
// connect/disconnect action, until ctx is canceled (spec §4.6 sub-
// contract 2: Flow Target resolution reacts to container lifecycle).
func (c *DockerClient) Watch(ctx context.Context, bus *eventbus.Bus) error {
	if c.mockMode {
		<-ctx.Done()
		return nil
	}

	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))
	f.Add("type", string(events.NetworkEventType))

	eventCh, errCh := c.cli.Events(ctx, events.ListOptions{Filters: f})
	topic := eventbus.Topic[eventbus.DockerEvent](bus, eventbus.TopicDockerEvents, 256, eventbus.DropOldest)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("runtime: docker event stream: %w", err)
		case ev := <-eventCh:
			if action, ok := dockerAction(ev.Action); ok {
				topic.Publish(eventbus.DockerEvent{
					Action:      action,
					ContainerID: ev.Actor.ID,
					Name:        strings.TrimPrefix(ev.Actor.Attributes["name"], "/"),
					NetworkID:   ev.Actor.Attributes["container"],
				})
			}
		}
	}
}

func dockerAction(a events.Action) (eventbus.DockerEventAction, bool) {
	switch a {
	case events.ActionStart:
		return eventbus.DockerContainerStart, true
	case events.ActionStop:
		return eventbus.DockerContainerStop, true
	case events.ActionDie:
		return eventbus.DockerContainerDie, true
	case events.ActionConnect:
		return eventbus.DockerNetworkConnect, true
	case events.ActionDisconnect:
		return eventbus.DockerNetworkDisconnect, true
	}
	return "", false
}

func mockContainers() []Container {
	return []Container{
		{
			ID:    "1234567890ab",
			Names: []string{"/web-server"},
			Image: "nginx:latest",
			State: "running",
			NetworkSettings: NetworkSettings{
				Networks: map[string]NetworkEndpoint{
					"bridge": {IPAddress: "172.17.0.2"},
				},
			},
		},
		{
			ID:    "abcdef123456",
			Names: []string{"/db-redis"},
			Image: "redis:alpine",
			State: "running",
			NetworkSettings: NetworkSettings{
				Networks: map[string]NetworkEndpoint{
					"bridge": {IPAddress: "172.17.0.3"},
				},
			},
		},
	}
}
