// Package api is a small REST client for the gate API. The realtime client
// uses it to resolve a file's current version and fetch the seed notebook;
// everything live goes over the websocket instead.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noteable-io/origami-go/notebook"
)

// File is the /api/v1/files/{id} resource. PresignedDownloadURL is only
// populated when fetching a single file, not when listing.
type File struct {
	ID                   uuid.UUID `json:"id"`
	ProjectID            uuid.UUID `json:"project_id"`
	Filename             string    `json:"filename"`
	Path                 string    `json:"path"`
	CurrentVersionID     uuid.UUID `json:"current_version_id"`
	PresignedDownloadURL string    `json:"presigned_download_url"`
}

// Client calls the gate REST API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a Client for the given API base URL, e.g.
// https://app.noteable.io/gate/api.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Token returns the bearer token, reused for RTU authentication.
func (c *Client) Token() string { return c.token }

// RTUURL derives the websocket endpoint from the API base URL.
func (c *Client) RTUURL() string {
	var u = c.baseURL
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/rtu"
}

// GetFile fetches file metadata, including the current version id and a
// presigned URL for downloading its contents.
func (c *Client) GetFile(ctx context.Context, fileID uuid.UUID) (*File, error) {
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/files/%s", c.baseURL, fileID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching file %s: unexpected status %s", fileID, resp.Status)
	}
	var file File
	if err = json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding file %s: %w", fileID, err)
	}
	return &file, nil
}

// DownloadNotebook fetches and parses notebook contents from a presigned URL.
// The URL embeds its own credentials, so no Authorization header is sent.
func (c *Client) DownloadNotebook(ctx context.Context, presignedURL string) (*notebook.Notebook, error) {
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, presignedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading notebook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading notebook: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading notebook body: %w", err)
	}
	nb, err := notebook.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing notebook: %w", err)
	}
	return nb, nil
}
