// Package resolver maps logical service names to base URLs through an
// explicitly configured, ordered list of strategies.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"library-workers/internal/common/config"
	"library-workers/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

// ErrNotResolved is returned by a strategy that has no endpoint for a service.
var ErrNotResolved = errors.New("service not resolved")

// Resolver returns the base URL of a logical service.
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// Strategy is one way of finding an endpoint.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, service string) (string, error)
}

// Chain tries each configured strategy of a service in order.
type Chain struct {
	routes map[string][]Strategy
	logger logger.Logger
}

func NewChain(routes map[string][]Strategy, log logger.Logger) *Chain {
	return &Chain{
		routes: routes,
		logger: log.WithFields(map[string]interface{}{"component": "resolver"}),
	}
}

// FromConfig builds a Chain from the resolver config section.
func FromConfig(routes map[string]config.ServiceRoute, rdb *redis.Client, log logger.Logger) (*Chain, error) {
	out := make(map[string][]Strategy, len(routes))
	for service, route := range routes {
		for _, name := range route.Strategies {
			switch name {
			case "registry":
				if rdb == nil {
					return nil, fmt.Errorf("resolver.%s: registry strategy needs redis", service)
				}
				out[service] = append(out[service], NewRegistryStrategy(rdb))
			case "static":
				if route.StaticURL == "" {
					return nil, fmt.Errorf("resolver.%s: static strategy needs static_url", service)
				}
				out[service] = append(out[service], StaticStrategy{URLs: map[string]string{service: route.StaticURL}})
			case "env":
				out[service] = append(out[service], EnvStrategy{Vars: map[string]string{service: route.EnvVar}})
			default:
				return nil, fmt.Errorf("resolver.%s: unknown strategy %q", service, name)
			}
		}
	}
	return NewChain(out, log), nil
}

func (c *Chain) Resolve(ctx context.Context, service string) (string, error) {
	strategies, ok := c.routes[service]
	if !ok || len(strategies) == 0 {
		return "", fmt.Errorf("%w: no strategies configured for %s", ErrNotResolved, service)
	}

	var tried []string
	for _, s := range strategies {
		url, err := s.Resolve(ctx, service)
		if err == nil && url != "" {
			return strings.TrimRight(url, "/"), nil
		}

		if err != nil && !errors.Is(err, ErrNotResolved) {
			c.logger.Warn("resolution strategy failed", map[string]interface{}{
				"service":  service,
				"strategy": s.Name(),
				"error":    err.Error(),
			})
		}
		tried = append(tried, s.Name())
	}

	return "", fmt.Errorf("%w: %s (tried %s)", ErrNotResolved, service, strings.Join(tried, ", "))
}

// RegistryStrategy reads endpoints published by the discovery layer into the
// Redis hash service-registry:<name> (fields address, port and optional scheme).
type RegistryStrategy struct {
	client *redis.Client
}

func NewRegistryStrategy(client *redis.Client) *RegistryStrategy {
	return &RegistryStrategy{client: client}
}

func (r *RegistryStrategy) Name() string { return "registry" }

func RegistryKey(service string) string {
	return "service-registry:" + service
}

func (r *RegistryStrategy) Resolve(ctx context.Context, service string) (string, error) {
	fields, err := r.client.HGetAll(ctx, RegistryKey(service)).Result()
	if err != nil {
		return "", err
	}

	address, port := fields["address"], fields["port"]
	if address == "" || port == "" {
		return "", ErrNotResolved
	}

	scheme := fields["scheme"]
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%s", scheme, address, port), nil
}

// StaticStrategy returns URLs fixed in configuration.
type StaticStrategy struct {
	URLs map[string]string
}

func (s StaticStrategy) Name() string { return "static" }

func (s StaticStrategy) Resolve(ctx context.Context, service string) (string, error) {
	if url := s.URLs[service]; url != "" {
		return url, nil
	}
	return "", ErrNotResolved
}

// EnvStrategy reads a URL from an environment variable, <SERVICE>_URL unless
// a variable is named explicitly.
type EnvStrategy struct {
	Vars map[string]string
}

func (e EnvStrategy) Name() string { return "env" }

func (e EnvStrategy) Resolve(ctx context.Context, service string) (string, error) {
	name := e.Vars[service]
	if name == "" {
		name = strings.ToUpper(strings.ReplaceAll(service, "-", "_")) + "_URL"
	}
	if url := os.Getenv(name); url != "" {
		return url, nil
	}
	return "", ErrNotResolved
}
