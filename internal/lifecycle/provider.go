package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nimbushost/panel/pkg/models"
)

// HTTPProviderClient consumes the provider state collaborator over HTTP.
// The actual provider API integration lives outside this core; this client
// only speaks the collaborator's narrow contract.
type HTTPProviderClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProviderClient creates a provider client for the given base URL.
func NewHTTPProviderClient(baseURL, token string) *HTTPProviderClient {
	return &HTTPProviderClient{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// InstanceState returns the provider-reported lifecycle state for one
// instance.
func (c *HTTPProviderClient) InstanceState(ctx context.Context, providerID string) (models.LifecycleState, error) {
	url := fmt.Sprintf("%s/v1/instances/%s/state", c.baseURL, providerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Gone at the provider is deletion from billing's point of view.
		return models.StateDeleted, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var body struct {
		State models.LifecycleState `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode provider response: %w", err)
	}
	return body.State, nil
}
