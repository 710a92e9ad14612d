// Package agent talks to the remote credential/connection agent: a REST
// client for credential actions and DRPC submission, and a websocket
// listener for its state-change notifications.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veridata-exchange/exchange-engine/pkg/drpc"
	"github.com/veridata-exchange/exchange-engine/pkg/models"
)

// CredentialOffer is the body of an accept-proposal call: the attributes we
// are willing to attest, bound to a credential definition.
type CredentialOffer struct {
	CredentialDefinitionID string                       `json:"credentialDefinitionId"`
	Attributes             []models.CredentialAttribute `json:"attributes"`
}

// API is the remote-agent surface the protocol handlers consume.
type API interface {
	AcceptProposal(ctx context.Context, credentialID string, offer CredentialOffer) error
	AcceptOffer(ctx context.Context, credentialID string) error
	AcceptRequest(ctx context.Context, credentialID string) error
	AcceptCredential(ctx context.Context, credentialID string) error
	SendProblemReport(ctx context.Context, credentialID string, report any) error

	// SubmitDrpcRequest sends a DRPC request over the given agent connection
	// and returns the remote party's response, or nil if none arrived before
	// the agent's timeout.
	SubmitDrpcRequest(ctx context.Context, agentConnectionID, method string, params any) (*drpc.Response, error)
	// SubmitDrpcResponse answers a previously received DRPC request.
	SubmitDrpcResponse(ctx context.Context, requestID string, response drpc.Response) error
}

// Client is the HTTP implementation of API against the agent's admin API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an agent client. DRPC submission can block until the
// remote party answers, so the HTTP timeout is deliberately generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

var _ API = (*Client)(nil)

func (c *Client) AcceptProposal(ctx context.Context, credentialID string, offer CredentialOffer) error {
	return c.post(ctx, fmt.Sprintf("/v1/credentials/%s/accept-proposal", credentialID), offer, nil)
}

func (c *Client) AcceptOffer(ctx context.Context, credentialID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/credentials/%s/accept-offer", credentialID), nil, nil)
}

func (c *Client) AcceptRequest(ctx context.Context, credentialID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/credentials/%s/accept-request", credentialID), nil, nil)
}

func (c *Client) AcceptCredential(ctx context.Context, credentialID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/credentials/%s/accept-credential", credentialID), nil, nil)
}

func (c *Client) SendProblemReport(ctx context.Context, credentialID string, report any) error {
	body := map[string]any{"message": report}
	return c.post(ctx, fmt.Sprintf("/v1/credentials/%s/send-problem-report", credentialID), body, nil)
}

func (c *Client) SubmitDrpcRequest(ctx context.Context, agentConnectionID, method string, params any) (*drpc.Response, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	request := drpc.Request{
		JsonRpc: drpc.Version,
		Method:  method,
		Params:  rawParams,
	}

	var response drpc.Response
	found, err := c.postMaybe(ctx, fmt.Sprintf("/v1/drpc/%s/request", agentConnectionID), request, &response)
	if err != nil {
		return nil, err
	}
	if !found {
		// The agent timed out waiting for the remote party.
		return nil, nil
	}
	return &response, nil
}

func (c *Client) SubmitDrpcResponse(ctx context.Context, requestID string, response drpc.Response) error {
	return c.post(ctx, fmt.Sprintf("/v1/drpc/%s/response", requestID), response, nil)
}

// post sends a JSON POST and decodes the response body into out when out is
// non-nil.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	_, err := c.postMaybe(ctx, path, body, out)
	return err
}

// postMaybe is post but reports a 204 No Content as found=false instead of
// decoding.
func (c *Client) postMaybe(ctx context.Context, path string, body, out any) (found bool, err error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, detail)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
	}
	return true, nil
}
