package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxRetrieveBytes = 256 << 20

// IPFSStore talks to an IPFS node: the RPC API for add and pin queries, and an
// HTTP gateway for retrieval. A store built with an empty API URL is a
// read-only gateway.
type IPFSStore struct {
	apiURL     string
	gatewayURL string
	token      string
	client     *http.Client
}

// IPFSOption customizes an IPFSStore.
type IPFSOption func(*IPFSStore)

// WithIPFSToken sets a bearer token sent on every request.
func WithIPFSToken(token string) IPFSOption {
	return func(s *IPFSStore) {
		s.token = token
	}
}

// WithIPFSHTTPClient overrides the HTTP client.
func WithIPFSHTTPClient(client *http.Client) IPFSOption {
	return func(s *IPFSStore) {
		if client != nil {
			s.client = client
		}
	}
}

// WithIPFSTimeout sets the per-request timeout of the default client.
func WithIPFSTimeout(timeout time.Duration) IPFSOption {
	return func(s *IPFSStore) {
		if timeout > 0 {
			s.client = &http.Client{Timeout: timeout}
		}
	}
}

// NewIPFSStore returns a store for the node at apiURL serving gatewayURL.
// gatewayURL defaults to apiURL.
func NewIPFSStore(apiURL, gatewayURL string, opts ...IPFSOption) *IPFSStore {
	if gatewayURL == "" {
		gatewayURL = apiURL
	}
	s := &IPFSStore{
		apiURL:     strings.TrimRight(apiURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewIPFSGateway returns a read-only store for a public gateway.
func NewIPFSGateway(gatewayURL string, opts ...IPFSOption) *IPFSStore {
	return NewIPFSStore("", gatewayURL, opts...)
}

// Name returns the endpoint that serves retrievals.
func (s *IPFSStore) Name() string {
	return s.gatewayURL
}

type ipfsAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Publish adds and pins data, returning its CID.
func (s *IPFSStore) Publish(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if s.apiURL == "" {
		return "", ErrReadOnly
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	name := meta.Name
	if name == "" {
		name = "content"
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}

	endpoint := s.apiURL + "/api/v0/add?pin=true&cid-version=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ipfs add: %s", statusDetail(resp))
	}
	var added ipfsAddResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return "", fmt.Errorf("ipfs add: decode response: %w", err)
	}
	if added.Hash == "" {
		return "", fmt.Errorf("ipfs add: response carried no hash")
	}
	return added.Hash, nil
}

// Retrieve fetches locator through the gateway.
func (s *IPFSStore) Retrieve(ctx context.Context, locator string) ([]byte, error) {
	if !validCID(locator) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gatewayURL+"/ipfs/"+url.PathEscape(locator), nil)
	if err != nil {
		return nil, err
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("gateway: %s", statusDetail(resp))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRetrieveBytes))
}

type ipfsPinListResponse struct {
	Keys map[string]struct {
		Type string `json:"Type"`
	} `json:"Keys"`
}

// IsPinned asks the node whether locator is pinned.
func (s *IPFSStore) IsPinned(ctx context.Context, locator string) (bool, error) {
	if s.apiURL == "" {
		return false, ErrReadOnly
	}
	if !validCID(locator) {
		return false, fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	endpoint := s.apiURL + "/api/v0/pin/ls?arg=" + url.QueryEscape(locator)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return false, err
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("ipfs pin ls: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail := statusDetail(resp)
		// Kubo answers 500 with "not pinned" for unknown CIDs.
		if strings.Contains(detail, "not pinned") {
			return false, nil
		}
		return false, fmt.Errorf("ipfs pin ls: %s", detail)
	}
	var pins ipfsPinListResponse
	if err := json.NewDecoder(resp.Body).Decode(&pins); err != nil {
		return false, fmt.Errorf("ipfs pin ls: decode response: %w", err)
	}
	_, ok := pins.Keys[locator]
	return ok, nil
}

func (s *IPFSStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func statusDetail(resp *http.Response) string {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return resp.Status
	}
	return resp.Status + ": " + msg
}

func validCID(locator string) bool {
	if len(locator) < 8 || len(locator) > 128 {
		return false
	}
	for _, r := range locator {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
