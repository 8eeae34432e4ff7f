// Package sharepoint implements the source-system client against the
// Microsoft Graph drive API using app-only client credentials.
package sharepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mwhitten/ingestd/internal/pipeline"
	"golang.org/x/oauth2/clientcredentials"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// Opts holds parameters for creating a Client.
type Opts struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	SiteID       string
	DriveID      string

	// For testing: override the Graph endpoint and skip the token flow.
	BaseURL    string
	HTTPClient *http.Client
}

// Client lists and downloads files from one SharePoint drive. It
// implements pipeline.Source.
type Client struct {
	httpClient *http.Client
	baseURL    string
	siteID     string
	driveID    string
}

// New creates a Client. The returned client refreshes its app-only token
// automatically.
func New(opts Opts) (*Client, error) {
	if opts.SiteID == "" || opts.DriveID == "" {
		return nil, fmt.Errorf("sharepoint: site id and drive id are required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		if opts.TenantID == "" || opts.ClientID == "" || opts.ClientSecret == "" {
			return nil, fmt.Errorf("sharepoint: tenant id, client id and client secret are required")
		}
		cc := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", opts.TenantID),
			Scopes:       []string{"https://graph.microsoft.com/.default"},
		}
		httpClient = cc.Client(context.Background())
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = graphBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		siteID:     opts.SiteID,
		driveID:    opts.DriveID,
	}, nil
}

// driveItem is the subset of the Graph driveItem resource we read.
type driveItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	ETag   string `json:"eTag"`
	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	File *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	ParentReference struct {
		Path string `json:"path"`
	} `json:"parentReference"`
}

type listResponse struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// ListFiles walks the drive recursively and returns every file.
func (c *Client) ListFiles(ctx context.Context) ([]pipeline.SourceFile, error) {
	var files []pipeline.SourceFile
	if err := c.listChildren(ctx, "root", &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Client) listChildren(ctx context.Context, itemID string, files *[]pipeline.SourceFile) error {
	url := fmt.Sprintf("%s/sites/%s/drives/%s/items/%s/children",
		c.baseURL, c.siteID, c.driveID, itemID)
	for url != "" {
		var page listResponse
		if err := c.getJSON(ctx, url, &page); err != nil {
			return err
		}
		for _, item := range page.Value {
			if item.Folder != nil {
				if err := c.listChildren(ctx, item.ID, files); err != nil {
					return err
				}
				continue
			}
			f := pipeline.SourceFile{
				ID:        item.ID,
				Name:      item.Name,
				Path:      item.ParentReference.Path + "/" + item.Name,
				ETag:      item.ETag,
				SizeBytes: item.Size,
			}
			if item.File != nil {
				f.ContentType = item.File.MimeType
			}
			*files = append(*files, f)
		}
		url = page.NextLink
	}
	return nil
}

// Download streams the content of one file.
func (c *Client) Download(ctx context.Context, file pipeline.SourceFile) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/sites/%s/drives/%s/items/%s/content",
		c.baseURL, c.siteID, c.driveID, file.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("sharepoint: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sharepoint: download %s: %w", file.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("sharepoint: download %s: unexpected status %d", file.Path, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("sharepoint: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sharepoint: %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sharepoint: %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("sharepoint: decode %s: %w", url, err)
	}
	return nil
}
