package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// RosterResult is the wallboard's answer to a roster upload
type RosterResult struct {
	Registered int      `json:"registered"`
	Duplicates []string `json:"duplicates"`
}

// Call is a completed simulated call
type Call struct {
	AgentID           string    `json:"agentId"`
	StartedAt         time.Time `json:"startedAt"`
	EndedAt           time.Time `json:"endedAt"`
	SatisfactionScore *float64  `json:"satisfactionScore,omitempty"`
}

// IntakeClient talks to the wallboard's /internal endpoints
type IntakeClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewIntakeClient creates a client for the wallboard at baseURL
func NewIntakeClient(baseURL string, timeout time.Duration) *IntakeClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IntakeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RegisterRoster uploads the agents; a roster the wallboard already knows is not an error
func (c *IntakeClient) RegisterRoster(ctx context.Context, agents []Agent) (RosterResult, error) {
	resp, err := c.post(ctx, "/internal/agents/roster", agents)
	if err != nil {
		return RosterResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result RosterResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return RosterResult{}, fmt.Errorf("decode roster response: %w", err)
		}
		return result, nil
	case http.StatusConflict:
		codes := make([]string, len(agents))
		for i, a := range agents {
			codes[i] = a.Code
		}
		return RosterResult{Duplicates: codes}, nil
	default:
		return RosterResult{}, responseError("roster", resp)
	}
}

// PostCall reports a completed call
func (c *IntakeClient) PostCall(ctx context.Context, call Call) error {
	resp, err := c.post(ctx, "/internal/calls", call)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return responseError("call", resp)
	}
	return nil
}

func (c *IntakeClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	return resp, nil
}

func responseError(what string, resp *http.Response) error {
	var body struct {
		Error types.ErrorPayload `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("%s rejected with %d: %s", what, resp.StatusCode, body.Error.Message)
	}
	return fmt.Errorf("%s rejected with %d", what, resp.StatusCode)
}
