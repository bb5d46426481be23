package promotion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quillstore/quill/internal/model"
)

// Client talks to the current authority's promotion endpoints.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a promotion client for the authority at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorityStatus fetches the authority's replication status, including its
// current log tail. Read-only; validation uses this without side effects.
func (c *Client) AuthorityStatus(ctx context.Context) (*model.ReplicationStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/replication/status", nil)
	if err != nil {
		return nil, fmt.Errorf("create status request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status failed: %d: %s", resp.StatusCode, string(b))
	}

	var status model.ReplicationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

type fenceRequest struct {
	Epoch uint64 `json:"epoch"`
}

type fenceResponse struct {
	FinalSeq uint64 `json:"final_seq"`
}

// Fence asks the authority to durably fence itself at epoch and reports its
// final log position.
func (c *Client) Fence(ctx context.Context, epoch uint64) (uint64, error) {
	body, err := json.Marshal(fenceRequest{Epoch: epoch})
	if err != nil {
		return 0, fmt.Errorf("encode fence request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/role/fence", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create fence request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fence do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("fence failed: %d: %s", resp.StatusCode, string(b))
	}

	var fr fenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return 0, fmt.Errorf("decode fence response: %w", err)
	}
	return fr.FinalSeq, nil
}

// Demote asks a fenced node to become a standby at the transition epoch.
func (c *Client) Demote(ctx context.Context, epoch uint64) error {
	body, err := json.Marshal(fenceRequest{Epoch: epoch})
	if err != nil {
		return fmt.Errorf("encode demote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/role/standby", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create demote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("demote do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("demote failed: %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
