package internalapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.f110.dev/xerrors"
)

var ErrNotAvailable = xerrors.New("internalapi: membership is not available")

// Client reads the internal API of a running agent.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

func (c *Client) Instances(ctx context.Context) (*MembershipResponse, error) {
	res := &MembershipResponse{}
	if err := c.get(ctx, "/internal/instances", res); err != nil {
		return nil, err
	}

	return res, nil
}

func (c *Client) Leader(ctx context.Context) (*LeaderResponse, error) {
	res := &LeaderResponse{}
	if err := c.get(ctx, "/internal/leader", res); err != nil {
		return nil, err
	}

	return res, nil
}

// Ready reports whether the agent has finished the first update.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/readiness", nil)
	if err != nil {
		return false, xerrors.WithStack(err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return false, xerrors.WithStack(err)
	}
	res.Body.Close()

	return res.StatusCode == http.StatusOK, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return xerrors.WithStack(err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return xerrors.WithStack(err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		e := &ErrorResponse{}
		if err := json.NewDecoder(res.Body).Decode(e); err == nil && e.Error != "" {
			return xerrors.WithMessage(ErrNotAvailable, e.Error)
		}
		return xerrors.WithStack(ErrNotAvailable)
	default:
		return xerrors.Newf("internalapi: unexpected status code: %d", res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}
