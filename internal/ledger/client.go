// Package ledger talks to the external credit/billing service. One charge is
// issued per usage-bearing protocol message.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mkravets/codeforge/internal/domain"
	"github.com/mkravets/codeforge/internal/protocol"
)

const defaultRequestTimeout = 10 * time.Second

// Client charges the credit ledger over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New creates a ledger client. baseURL is the ledger service root.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
	}
}

type chargeRequest struct {
	JobID                    string `json:"job_id"`
	OwnerID                  string `json:"owner_id"`
	InputTokens              int    `json:"input_tokens"`
	OutputTokens             int    `json:"output_tokens"`
	CacheCreationInputTokens int    `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int    `json:"cache_read_input_tokens"`
}

type chargeResponse struct {
	Balance  int64 `json:"balance"`
	Required int64 `json:"required,omitempty"`
}

// Charge bills one message's token usage and returns the remaining balance.
// A 402 response decodes into *domain.InsufficientCreditError, which callers
// treat as fatal and non-retryable.
//
// Usage from unstructured backends is length-approximated (see
// protocol.ApproximateUsage); charges computed from it carry that same
// approximation.
func (c *Client) Charge(ctx context.Context, jobID, ownerID string, usage *protocol.Usage) (int64, error) {
	if usage == nil || usage.Total() == 0 {
		return 0, nil
	}

	body, err := json.Marshal(chargeRequest{
		JobID:                    jobID,
		OwnerID:                  ownerID,
		InputTokens:              usage.InputTokens,
		OutputTokens:             usage.OutputTokens,
		CacheCreationInputTokens: usage.CacheCreationInputTokens,
		CacheReadInputTokens:     usage.CacheReadInputTokens,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal charge: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charge", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("charge ledger: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	var decoded chargeResponse
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return 0, fmt.Errorf("decode charge response: %w", err)
		}
		return decoded.Balance, nil
	case http.StatusPaymentRequired:
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return 0, fmt.Errorf("decode insufficient-credit response: %w", err)
		}
		return decoded.Balance, &domain.InsufficientCreditError{
			Balance:  decoded.Balance,
			Required: decoded.Required,
		}
	default:
		return 0, fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}
}
