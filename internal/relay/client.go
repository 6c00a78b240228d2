package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"carecrypt/internal/domain"
	"carecrypt/internal/wire"
)

const contentTypeCBOR = "application/cbor"

// HTTPClient talks to a relay.
type HTTPClient struct {
	Base string
	HTTP *http.Client
}

var (
	_ domain.KeyDistribution = (*HTTPClient)(nil)
	_ domain.Transport       = (*HTTPClient)(nil)
	_ domain.Inbox           = (*HTTPClient)(nil)
)

// NewHTTP returns a client for base. A nil hc uses http.DefaultClient.
func NewHTTP(base string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{Base: base, HTTP: hc}
}

// PublishBundle uploads b.
func (c *HTTPClient) PublishBundle(ctx context.Context, b domain.PreKeyBundle) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/bundles", "application/json", body)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// FetchBundle downloads peer's bundle.
func (c *HTTPClient) FetchBundle(ctx context.Context, peer domain.PeerID) (domain.PreKeyBundle, error) {
	var out domain.PreKeyBundle
	resp, err := c.do(ctx, http.MethodGet, "/bundles/"+url.PathEscape(peer.String()), "", nil)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode bundle for %s: %w", peer, err)
	}
	return out, nil
}

// Send queues frame in to's mailbox.
func (c *HTTPClient) Send(ctx context.Context, to domain.PeerID, frame domain.Frame) (domain.SendResult, error) {
	body, err := wire.MarshalFrame(frame)
	if err != nil {
		return domain.SendResult{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/frames/"+url.PathEscape(to.String()), contentTypeCBOR, body)
	if err != nil {
		return domain.SendResult{}, err
	}
	return domain.SendResult{Success: true}, resp.Body.Close()
}

// Receive dequeues up to limit frames for me; zero or less drains.
func (c *HTTPClient) Receive(ctx context.Context, me domain.PeerID, limit int) ([]domain.Frame, error) {
	path := "/frames/" + url.PathEscape(me.String())
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, wire.MaxFrameSize*4))
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalFrames(raw)
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, r)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/bundles/") {
			return nil, fmt.Errorf("%w: relay %s %s: %s", domain.ErrPeerBundleNotFound, method, c.Base+path, resp.Status)
		}
		return nil, fmt.Errorf("relay %s %s: %s", method, c.Base+path, resp.Status)
	}
	return resp, nil
}
