package client

import (
	"context"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

const (
	defaultResolutionExpiry = 30 * time.Minute
	// Cached download info is dropped this long before its token expires.
	tokenExpiryMargin = time.Minute
)

// LaunchClient resolves action references to download locations. Resolutions are cached for the
// lifetime of their download token, actions referenced by several steps are resolved once.
type LaunchClient struct {
	*httpClient
	resolutions *cache.Cache
}

func NewLaunchClient(config configuration.ServerConfiguration) (*LaunchClient, error) {
	c, err := newHttpClient(config)
	if err != nil {
		return nil, err
	}
	return &LaunchClient{
		httpClient:  c,
		resolutions: cache.New(defaultResolutionExpiry, 2*defaultResolutionExpiry),
	}, nil
}

func (c *LaunchClient) ResolveActionDownloadInfo(ctx context.Context, planId string, jobId string, actions []api.ActionReference) (*api.ActionDownloadInfoCollection, error) {
	result := &api.ActionDownloadInfoCollection{Actions: map[string]api.ActionDownloadInfo{}}
	var unresolved []api.ActionReference
	for _, action := range actions {
		if cached, found := c.resolutions.Get(action.Key()); found {
			if info, ok := cached.(api.ActionDownloadInfo); ok {
				result.Actions[action.Key()] = info
				continue
			}
		}
		unresolved = append(unresolved, action)
	}
	if len(unresolved) == 0 {
		return result, nil
	}

	resolved := &api.ActionDownloadInfoCollection{}
	_, err := c.do(ctx, request{
		operation:    "resolve actions",
		method:       http.MethodPost,
		url:          c.url("actions", "build", planId, "jobs", jobId, "runnerresolve", "actions"),
		body:         api.ActionReferenceList{Actions: unresolved},
		resourceType: "job",
		value:        jobId,
	}, resolved)
	if err != nil {
		return nil, err
	}

	for key, info := range resolved.Actions {
		result.Actions[key] = info
		if expiry, ok := expiryFor(info); ok {
			c.resolutions.Set(key, info, expiry)
		}
	}
	return result, nil
}

// expiryFor returns how long info can be cached, or false if its token is about to expire.
func expiryFor(info api.ActionDownloadInfo) (time.Duration, bool) {
	if info.Authentication == nil || info.Authentication.ExpiresAt.IsZero() {
		return cache.DefaultExpiration, true
	}
	remaining := time.Until(info.Authentication.ExpiresAt) - tokenExpiryMargin
	return remaining, remaining > 0
}

func (c *LaunchClient) Close() error {
	c.resolutions.Flush()
	return c.httpClient.Close()
}
