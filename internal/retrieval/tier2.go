package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Skip reason codes carried on the tier2 diagnostic event.
const (
	ReasonServiceUnavailable = "service_unavailable"
	ReasonNotReady           = "not_ready"
	ReasonNoMapping          = "no_mapping"
)

// Tier2Unavailable is diagnostic, never fatal: the broker skips the tier
// and resolution proceeds on Tier 1 alone.
type Tier2Unavailable struct {
	Reason string
	Detail string
}

func (e *Tier2Unavailable) Error() string {
	if e.Detail == "" {
		return "tier2: " + e.Reason
	}
	return fmt.Sprintf("tier2: %s (%s)", e.Reason, e.Detail)
}

// Tier2Client talks to the optional external knowledge service. The
// collaborator contract is narrow: a readiness probe and an ask operation.
type Tier2Client struct {
	endpoint string
	client   *http.Client
}

func NewTier2Client(endpoint string, timeout time.Duration) *Tier2Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tier2Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Ready probes the service. A transport failure maps to
// service_unavailable; a reachable service that is not serving yet maps to
// not_ready.
func (c *Tier2Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/v1/ready", nil)
	if err != nil {
		return &Tier2Unavailable{Reason: ReasonServiceUnavailable, Detail: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &Tier2Unavailable{Reason: ReasonServiceUnavailable, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Tier2Unavailable{Reason: ReasonNotReady, Detail: resp.Status}
	}
	return nil
}

type askRequest struct {
	Context string `json:"context"`
	Query   string `json:"query"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// Ask queries the service for one mapped context.
func (c *Tier2Client) Ask(ctx context.Context, contextName, query string) (string, error) {
	body, err := json.Marshal(askRequest{Context: contextName, Query: query})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/v1/ask", bytes.NewReader(body))
	if err != nil {
		return "", &Tier2Unavailable{Reason: ReasonServiceUnavailable, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Tier2Unavailable{Reason: ReasonServiceUnavailable, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &Tier2Unavailable{Reason: ReasonServiceUnavailable, Detail: resp.Status}
	}

	var out askResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Tier2Unavailable{Reason: ReasonServiceUnavailable, Detail: err.Error()}
	}
	return out.Answer, nil
}
