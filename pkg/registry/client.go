// Package registry is a thin client for the artifact-type registry
// defaults service, an external collaborator maintained outside this
// engine. A Wing may leave a source's artifact_type metadata (its
// display name, conventional table name, likely timestamp column)
// unset; when it does, the engine looks the artifact type up here
// instead of guessing.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/forensiclab/wingcorrelate/pkg/mtls"
)

// ArtifactDefaults describes the conventional shape of one artifact
// type (e.g. "Prefetch", "ShimCache") as declared by the registry:
// the table a source database of this type normally exposes, the
// timestamp column C1 should prefer when detection is ambiguous, and
// an analyst-facing display name.
type ArtifactDefaults struct {
	ArtifactType      string `json:"artifact_type"`
	Table             string `json:"table"`
	TimestampColumn   string `json:"timestamp_column"`
	DisplayName       string `json:"display_name"`
}

// TypeRegistry is the interface the engine consults for an artifact
// type's conventional defaults. Both the shipped
// StaticRegistry and the remote Client satisfy it, so a Driver can be
// handed either without caring which it got.
type TypeRegistry interface {
	Lookup(ctx context.Context, artifactType string) (ArtifactDefaults, bool)
}

// StaticRegistry is the default TypeRegistry: an in-memory map of the
// artifact types this engine ships known conventions for. It never
// fails and never blocks, unlike the remote Client.
type StaticRegistry struct {
	defaults map[string]ArtifactDefaults
}

// NewStaticRegistry returns a StaticRegistry seeded with the
// conventional defaults for the common Windows artifact types.
func NewStaticRegistry() *StaticRegistry {
	entries := []ArtifactDefaults{
		{ArtifactType: "Prefetch", Table: "prefetch", TimestampColumn: "last_run_time", DisplayName: "Windows Prefetch"},
		{ArtifactType: "ShimCache", Table: "shimcache", TimestampColumn: "last_modified", DisplayName: "Application Compatibility Cache"},
		{ArtifactType: "AmCache", Table: "amcache", TimestampColumn: "install_date", DisplayName: "AmCache Inventory"},
		{ArtifactType: "Logs", Table: "events", TimestampColumn: "eventtimestamputc", DisplayName: "Windows Event Log"},
		{ArtifactType: "MFT", Table: "mft", TimestampColumn: "time_creation", DisplayName: "Master File Table"},
		{ArtifactType: "LNK", Table: "lnk", TimestampColumn: "last_modified", DisplayName: "Shell Link"},
	}
	m := make(map[string]ArtifactDefaults, len(entries))
	for _, e := range entries {
		m[e.ArtifactType] = e
	}
	return &StaticRegistry{defaults: m}
}

// Lookup implements TypeRegistry.
func (r *StaticRegistry) Lookup(_ context.Context, artifactType string) (ArtifactDefaults, bool) {
	d, ok := r.defaults[artifactType]
	return d, ok
}

// Lookup implements TypeRegistry by delegating to Defaults, adapting
// its error return into the (value, ok) shape the engine checks at
// every call site regardless of which TypeRegistry it was handed.
func (c *Client) Lookup(ctx context.Context, artifactType string) (ArtifactDefaults, bool) {
	d, err := c.Defaults(ctx, artifactType)
	if err != nil || d == nil {
		return ArtifactDefaults{}, false
	}
	return *d, true
}

// Client is a registry API client, optionally secured with mTLS.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// Config holds registry client configuration.
type Config struct {
	BaseURL   string
	TLSConfig *mtls.TLSConfig
	AuthToken string
	Timeout   time.Duration
}

// NewClient creates a new registry API client.
func NewClient(config *Config) (*Client, error) {
	httpClient := &http.Client{
		Timeout: config.Timeout,
	}

	if config.TLSConfig != nil {
		tlsClient, err := mtls.NewClient(config.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("registry: create mTLS client: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsClient.GetTLSConfig(),
		}
	}

	return &Client{
		baseURL:    config.BaseURL,
		httpClient: httpClient,
		authToken:  config.AuthToken,
	}, nil
}

// Defaults looks up the registry's declared defaults for artifactType.
// The engine falls back to C1's own column-detection heuristics
// (pkg/timestamp.DetectColumn) when this returns an error or the
// registry is not configured, since the registry is an optional
// enrichment, not a hard dependency of a run.
func (c *Client) Defaults(ctx context.Context, artifactType string) (*ArtifactDefaults, error) {
	params := url.Values{}
	params.Add("artifact_type", artifactType)
	endpoint := fmt.Sprintf("%s/api/v1/registry/artifact-types?%s", c.baseURL, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: build request: %w", err)
	}
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.authToken))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("registry: lookup %q: %w", artifactType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("registry: artifact type %q not registered", artifactType)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: lookup %q returned status %d", artifactType, resp.StatusCode)
	}

	var defaults ArtifactDefaults
	if err := json.NewDecoder(resp.Body).Decode(&defaults); err != nil {
		return nil, fmt.Errorf("registry: decode response: %w", err)
	}
	return &defaults, nil
}

// HealthCheck performs a health check on the registry API.
func (c *Client) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/health", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("registry: build health check request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("registry: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: health check failed with status %d", resp.StatusCode)
	}
	return nil
}
