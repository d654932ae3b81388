// Package onedrive implements the file-sync destination on Microsoft
// OneDrive through the Graph API, authenticating with an OAuth2 refresh token.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"drivebackup/internal/config"
	"drivebackup/internal/snapshot"
	"drivebackup/internal/storage"
)

// Ensure Destination implements storage.Destination and storage.Pruner at compile time.
var (
	_ storage.Destination = (*Destination)(nil)
	_ storage.Pruner      = (*Destination)(nil)
)

const (
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
	defaultFolder   = "DriveBackup"
	defaultTenant   = "common"

	// Upload session fragments must be a multiple of 320 KiB.
	chunkSize = 10 * 320 * 1024
)

var scopes = []string{"Files.ReadWrite", "offline_access"}

// Destination uploads backups to a OneDrive folder.
type Destination struct {
	graphURL string
	tokenURL string // overrides the tenant token endpoint when set
	http     *http.Client
}

// Option configures a Destination.
type Option func(*Destination)

// WithGraphURL points the destination at a different Graph API root.
func WithGraphURL(u string) Option {
	return func(d *Destination) { d.graphURL = strings.TrimRight(u, "/") }
}

// WithTokenURL overrides the OAuth2 token endpoint.
func WithTokenURL(u string) Option {
	return func(d *Destination) { d.tokenURL = u }
}

// WithHTTPClient sets the base HTTP client used for token refresh and uploads.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Destination) { d.http = c }
}

// New creates a OneDrive destination.
func New(opts ...Option) *Destination {
	d := &Destination{
		graphURL: defaultGraphURL,
		http:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Destination) Kind() config.DestinationKind {
	return config.KindFileSync
}

func (d *Destination) Enabled(cfg *config.Config) bool {
	return cfg.DestinationEnabled(config.KindFileSync)
}

func folderOf(cfg config.OneDriveConfig) string {
	folder := strings.Trim(cfg.Folder, "/")
	if folder == "" {
		folder = defaultFolder
	}
	return folder
}

// client returns an HTTP client that authenticates Graph requests with a
// token refreshed from cfg's refresh token.
func (d *Destination) client(ctx context.Context, cfg config.OneDriveConfig) (*http.Client, error) {
	if cfg.ClientID == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("%w: onedrive needs clientId and refreshToken", storage.ErrUnauthorized)
	}
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = defaultTenant
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if d.tokenURL != "" {
		endpoint.TokenURL = d.tokenURL
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.http)
	return oauth2.NewClient(ctx, oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})), nil
}

// itemPath returns the Graph path addressing a drive item by its path under root.
func (d *Destination) itemPath(p string) string {
	return d.graphURL + "/me/drive/root:/" + escapePath(p) + ":"
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

type driveItem struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Size            int64     `json:"size"`
	CreatedDateTime time.Time `json:"createdDateTime"`
	File            *struct{} `json:"file,omitempty"`
}

type uploadSession struct {
	UploadURL string `json:"uploadUrl"`
}

// Upload stores the snapshot in <folder>/<snapshot name> using a resumable
// upload session.
func (d *Destination) Upload(ctx context.Context, cfg *config.Config, snap *snapshot.Snapshot) (*storage.BackupMetadata, error) {
	odcfg := cfg.Destinations.OneDrive
	client, err := d.client(ctx, odcfg)
	if err != nil {
		return nil, err
	}

	target := path.Join(folderOf(odcfg), snap.Name)
	body := strings.NewReader(`{"item":{"@microsoft.graph.conflictBehavior":"replace"}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.itemPath(target)+"/createUploadSession", body)
	if err != nil {
		return nil, fmt.Errorf("onedrive: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var session uploadSession
	if err := doJSON(client, req, &session); err != nil {
		return nil, fmt.Errorf("onedrive: failed to create upload session for %s: %w", target, err)
	}
	if session.UploadURL == "" {
		return nil, fmt.Errorf("onedrive: upload session for %s has no upload URL", target)
	}

	item, err := d.uploadChunks(ctx, session.UploadURL, snap)
	if err != nil {
		return nil, fmt.Errorf("onedrive: failed to upload %s: %w", target, err)
	}

	return &storage.BackupMetadata{
		Key:       item.ID,
		FileName:  snap.Name,
		Size:      snap.Size(),
		CreatedAt: snap.CreatedAt,
	}, nil
}

// uploadChunks PUTs the payload to the pre-authenticated session URL. The
// session URL must not receive the bearer token.
func (d *Destination) uploadChunks(ctx context.Context, uploadURL string, snap *snapshot.Snapshot) (*driveItem, error) {
	total := snap.Size()
	r := snap.Reader()
	buf := make([]byte, chunkSize)

	var offset int64
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if n == 0 && offset < total {
			return nil, fmt.Errorf("snapshot payload ended at %d of %d bytes", offset, total)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(buf[:n]))
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(n)
		if total > 0 {
			req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(n)-1, total))
		}

		resp, err := d.http.Do(req)
		if err != nil {
			return nil, err
		}
		offset += int64(n)

		switch resp.StatusCode {
		case http.StatusAccepted:
			resp.Body.Close()
			if offset >= total {
				return nil, fmt.Errorf("upload session did not complete after %d bytes", offset)
			}
			continue
		case http.StatusOK, http.StatusCreated:
			var item driveItem
			err := json.NewDecoder(resp.Body).Decode(&item)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to decode uploaded item: %w", err)
			}
			return &item, nil
		default:
			err := statusError(resp)
			resp.Body.Close()
			return nil, err
		}
	}
}

// List returns all backups in the configured folder whose name starts with
// prefix, sorted newest-first. A missing folder yields no backups.
func (d *Destination) List(ctx context.Context, cfg *config.Config, prefix string) ([]storage.BackupMetadata, error) {
	odcfg := cfg.Destinations.OneDrive
	client, err := d.client(ctx, odcfg)
	if err != nil {
		return nil, err
	}

	var backups []storage.BackupMetadata
	next := d.itemPath(folderOf(odcfg)) + "/children"
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("onedrive: failed to create request: %w", err)
		}
		var page struct {
			Value    []driveItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		if err := doJSON(client, req, &page); err != nil {
			var se *httpStatusError
			if errors.As(err, &se) && se.code == http.StatusNotFound {
				return nil, nil
			}
			return nil, fmt.Errorf("onedrive: failed to list %s: %w", folderOf(odcfg), err)
		}
		for _, item := range page.Value {
			if item.File == nil || !strings.HasPrefix(item.Name, prefix) || !strings.HasSuffix(item.Name, ".zip") {
				continue
			}
			backups = append(backups, storage.BackupMetadata{
				Key:       item.ID,
				FileName:  item.Name,
				Size:      item.Size,
				CreatedAt: item.CreatedDateTime,
			})
		}
		next = page.NextLink
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Delete removes a backup by drive item ID.
func (d *Destination) Delete(ctx context.Context, cfg *config.Config, key string) error {
	client, err := d.client(ctx, cfg.Destinations.OneDrive)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.graphURL+"/me/drive/items/"+url.PathEscape(key), nil)
	if err != nil {
		return fmt.Errorf("onedrive: failed to create request: %w", err)
	}
	if err := doJSON(client, req, nil); err != nil {
		return fmt.Errorf("onedrive: failed to delete %s: %w", key, err)
	}
	return nil
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := &httpStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", storage.ErrUnauthorized, err)
	}
	return err
}

// doJSON executes req and decodes a JSON response into out when out is non-nil.
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return fmt.Errorf("%w: token refresh failed: %w", storage.ErrUnauthorized, err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
