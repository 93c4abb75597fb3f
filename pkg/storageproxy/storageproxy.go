// Package storageproxy is a small net/http JSON client to the external
// storage-proxy service that owns vfolder mount/unmount/quota
// operations, the same net/http plumbing shape as the teacher's
// pkg/ingress reverse proxy turned around into a client.
package storageproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sokovan/manager/pkg/domain"
)

// MountRequest asks the storage proxy to mount a vfolder into a
// kernel's filesystem.
type MountRequest struct {
	VfolderID string
	KernelID  string
	Alias     string
	ReadOnly  bool
}

// UnmountRequest asks the storage proxy to detach a previously
// mounted vfolder.
type UnmountRequest struct {
	VfolderID string
	KernelID  string
}

// QuotaResponse reports a vfolder's usage against its configured
// quota.
type QuotaResponse struct {
	VfolderID  string
	UsedBytes  int64
	LimitBytes int64
}

// Client calls the storage-proxy HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a client against baseURL (e.g. "http://storage-proxy:6021").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Mount attaches req.VfolderID into the kernel's filesystem.
func (c *Client) Mount(ctx context.Context, req MountRequest) error {
	return c.do(ctx, http.MethodPost, "/folders/"+req.VfolderID+"/mount", req, nil)
}

// Unmount detaches a previously mounted vfolder.
func (c *Client) Unmount(ctx context.Context, req UnmountRequest) error {
	return c.do(ctx, http.MethodPost, "/folders/"+req.VfolderID+"/unmount", req, nil)
}

// Quota returns current usage for vfolderID.
func (c *Client) Quota(ctx context.Context, vfolderID string) (*QuotaResponse, error) {
	var resp QuotaResponse
	if err := c.do(ctx, http.MethodGet, "/folders/"+vfolderID+"/quota", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &domain.StorageBackendError{Operation: path, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &domain.StorageBackendError{Operation: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.StorageBackendError{Operation: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &domain.StorageBackendError{Operation: path, Err: fmt.Errorf("storage proxy returned status %d", resp.StatusCode)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.StorageBackendError{Operation: path, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
