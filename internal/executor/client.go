// Package executor is the client side of the call-placement service. The
// orchestrator never speaks telephony itself; it hands a destination and a
// caller identity to the executor and gets back a terminal outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Class buckets an attempt outcome for the retry policy.
type Class string

const (
	ClassSuccess   Class = "success"
	ClassTransient Class = "transient_failure"
	ClassPermanent Class = "permanent_failure"
)

type PlaceRequest struct {
	Destination string `json:"destination"`
	CallerID    string `json:"callerId"`
	CampaignID  string `json:"campaignId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	ContactRef  string `json:"contactRef,omitempty"`
}

type Outcome struct {
	Class     Class
	ResultRef string
	Message   string
}

type placeResponse struct {
	ResultRef string `json:"resultRef"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// Place initiates one call attempt and blocks until the executor reports a
// terminal result or ctx expires. Errors carry enough context for Classify to
// tell transient from permanent.
func (c *Client) Place(ctx context.Context, req PlaceRequest) (Outcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, err
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/v1/calls"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return Outcome{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Outcome{}, &CallError{Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out placeResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = "call placement failed"
		}
		return Outcome{}, &CallError{Err: errors.New(msg), HTTPStatus: resp.StatusCode, Raw: raw}
	}

	return Outcome{
		Class:     classifyStatus(out.Status),
		ResultRef: out.ResultRef,
		Message:   out.Message,
	}, nil
}

// CallError wraps a failed placement with the HTTP status for classification.
type CallError struct {
	Err        error
	HTTPStatus int
	Raw        []byte
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }
