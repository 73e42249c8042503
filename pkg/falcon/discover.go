package falcon

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/forensiq/harvest/pkg/types"
)

// DiscoverHost resolves a hostname to an agent record through the host
// registry. force bypasses the TTL cache.
func (c *Client) DiscoverHost(ctx context.Context, hostname string, force bool) (*types.Host, error) {
	return c.registry.Resolve(ctx, hostname, force)
}

// Registry exposes the host registry, mainly for cache management
func (c *Client) Registry() *Registry {
	return c.registry
}

type queryHostsResponse struct {
	Resources []string     `json:"resources"`
	Errors    []apiMessage `json:"errors"`
}

type hostDetailsResponse struct {
	Resources []hostResource `json:"resources"`
	Errors    []apiMessage   `json:"errors"`
}

type hostResource struct {
	ID           string `json:"id"`
	CID          string `json:"cid"`
	Hostname     string `json:"hostname"`
	PlatformName string `json:"platform_name"`
	OSVersion    string `json:"os_version"`
	LastSeen     string `json:"last_seen_timestamp"`
	State        string `json:"state"`
}

// lookupHost is the registry's upstream: query agent IDs matching the
// hostname, fetch details, and keep the record seen most recently.
func (c *Client) lookupHost(ctx context.Context, hostname string) (*types.Host, error) {
	filter := fmt.Sprintf("hostname:*'*%s*'", hostname)

	q := url.Values{}
	q.Set("filter", filter)
	var ids queryHostsResponse
	if err := c.do(ctx, "GET", "/discover/queries/hosts/v1", q, nil, &ids); err != nil {
		return nil, err
	}
	if len(ids.Resources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, hostname)
	}

	var details hostDetailsResponse
	body := map[string][]string{"ids": ids.Resources}
	if err := c.do(ctx, "POST", "/discover/entities/hosts/GET/v1", nil, body, &details); err != nil {
		return nil, err
	}
	if len(details.Resources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, hostname)
	}

	// Stale duplicate agent records are common after reinstalls. Keep the
	// one seen most recently.
	best := details.Resources[0]
	bestSeen := parseTimestamp(best.LastSeen)
	for _, r := range details.Resources[1:] {
		if seen := parseTimestamp(r.LastSeen); seen.After(bestSeen) {
			best, bestSeen = r, seen
		}
	}

	host := &types.Host{
		AID:       best.ID,
		CID:       best.CID,
		Hostname:  best.Hostname,
		Platform:  types.ParsePlatform(best.PlatformName),
		OSVersion: best.OSVersion,
		LastSeen:  bestSeen,
		Online:    best.State == "online",
	}
	c.logger.Debug().
		Str("hostname", host.Hostname).
		Str("aid", host.AID).
		Str("platform", string(host.Platform)).
		Bool("online", host.Online).
		Msg("Resolved host")
	return host, nil
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
