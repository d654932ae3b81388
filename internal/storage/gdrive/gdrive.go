// Package gdrive implements the Google Drive destination through the Drive v3
// API, authenticating with an OAuth2 refresh token.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

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
	defaultFolder  = "DriveBackup"
	folderMimeType = "application/vnd.google-apps.folder"
	zipMimeType    = "application/zip"
)

// Destination uploads backups to a Google Drive folder.
type Destination struct {
	endpoint string // overrides the Drive API root when set
	tokenURL string // overrides the Google token endpoint when set
	http     *http.Client
}

// Option configures a Destination.
type Option func(*Destination)

// WithEndpoint points the destination at a different Drive API root.
func WithEndpoint(u string) Option {
	return func(d *Destination) { d.endpoint = u }
}

// WithTokenURL overrides the OAuth2 token endpoint.
func WithTokenURL(u string) Option {
	return func(d *Destination) { d.tokenURL = u }
}

// WithHTTPClient sets the base HTTP client used for token refresh and API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Destination) { d.http = c }
}

// New creates a Google Drive destination.
func New(opts ...Option) *Destination {
	d := &Destination{http: http.DefaultClient}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Destination) Kind() config.DestinationKind {
	return config.KindGoogleDrive
}

func (d *Destination) Enabled(cfg *config.Config) bool {
	return cfg.DestinationEnabled(config.KindGoogleDrive)
}

// service builds a Drive client whose requests carry a token refreshed from
// cfg's refresh token.
func (d *Destination) service(ctx context.Context, cfg config.GoogleDriveConfig) (*drive.Service, error) {
	if cfg.ClientID == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("%w: googledrive needs clientId and refreshToken", storage.ErrUnauthorized)
	}
	endpoint := google.Endpoint
	if d.tokenURL != "" {
		endpoint.TokenURL = d.tokenURL
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
	hctx := context.WithValue(ctx, oauth2.HTTPClient, d.http)
	client := oauth2.NewClient(hctx, oc.TokenSource(hctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if d.endpoint != "" {
		opts = append(opts, option.WithEndpoint(d.endpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: googledrive: %w", storage.ErrMisconfigured, err)
	}
	return svc, nil
}

// folderID resolves the backup folder. Without a configured folderId the
// folder is looked up by name in My Drive and, when create is set, created.
// An empty ID with a nil error means the folder does not exist.
func (d *Destination) folderID(ctx context.Context, svc *drive.Service, cfg config.GoogleDriveConfig, create bool) (string, error) {
	if cfg.FolderID != "" {
		return cfg.FolderID, nil
	}
	name := strings.Trim(cfg.Folder, "/")
	if name == "" {
		name = defaultFolder
	}

	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and 'root' in parents and trashed = false", escapeQuery(name), folderMimeType)
	list, err := svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}
	if !create {
		return "", nil
	}

	folder, err := svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{"root"},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create folder %s: %w", name, classify(err))
	}
	return folder.Id, nil
}

// escapeQuery quotes a value for use inside a Drive query string literal.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// Upload stores the snapshot in the backup folder.
func (d *Destination) Upload(ctx context.Context, cfg *config.Config, snap *snapshot.Snapshot) (*storage.BackupMetadata, error) {
	gcfg := cfg.Destinations.GoogleDrive
	svc, err := d.service(ctx, gcfg)
	if err != nil {
		return nil, err
	}
	parent, err := d.folderID(ctx, svc, gcfg, true)
	if err != nil {
		return nil, fmt.Errorf("googledrive: %w", err)
	}

	created, err := svc.Files.Create(&drive.File{
		Name:     snap.Name,
		MimeType: zipMimeType,
		Parents:  []string{parent},
	}).
		Media(snap.Reader(), googleapi.ContentType(zipMimeType)).
		Fields("id", "name", "size", "createdTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("googledrive: failed to upload %s: %w", snap.Name, classify(err))
	}

	size := created.Size
	if size == 0 {
		size = snap.Size()
	}
	return &storage.BackupMetadata{
		Key:       created.Id,
		FileName:  snap.Name,
		Size:      size,
		CreatedAt: snap.CreatedAt,
	}, nil
}

// List returns all backups in the backup folder whose name starts with
// prefix, sorted newest-first. A missing folder yields no backups.
func (d *Destination) List(ctx context.Context, cfg *config.Config, prefix string) ([]storage.BackupMetadata, error) {
	gcfg := cfg.Destinations.GoogleDrive
	svc, err := d.service(ctx, gcfg)
	if err != nil {
		return nil, err
	}
	parent, err := d.folderID(ctx, svc, gcfg, false)
	if err != nil {
		return nil, fmt.Errorf("googledrive: %w", err)
	}
	if parent == "" {
		return nil, nil
	}

	q := fmt.Sprintf("'%s' in parents and name contains '%s' and mimeType != '%s' and trashed = false",
		escapeQuery(parent), escapeQuery(prefix), folderMimeType)
	var backups []storage.BackupMetadata
	err = svc.Files.List().
		Q(q).
		Fields("nextPageToken", "files(id, name, size, createdTime)").
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				if !strings.HasPrefix(f.Name, prefix) || !strings.HasSuffix(f.Name, ".zip") {
					continue
				}
				created, _ := time.Parse(time.RFC3339, f.CreatedTime)
				backups = append(backups, storage.BackupMetadata{
					Key:       f.Id,
					FileName:  f.Name,
					Size:      f.Size,
					CreatedAt: created,
				})
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("googledrive: failed to list backups: %w", classify(err))
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Delete removes a backup by file ID.
func (d *Destination) Delete(ctx context.Context, cfg *config.Config, key string) error {
	svc, err := d.service(ctx, cfg.Destinations.GoogleDrive)
	if err != nil {
		return err
	}
	if err := svc.Files.Delete(key).Context(ctx).Do(); err != nil {
		return fmt.Errorf("googledrive: failed to delete %s: %w", key, classify(err))
	}
	return nil
}

// classify maps rejected credentials onto storage.ErrUnauthorized.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: token refresh failed: %w", storage.ErrUnauthorized, err)
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) && (ge.Code == http.StatusUnauthorized || ge.Code == http.StatusForbidden) {
		return fmt.Errorf("%w: %w", storage.ErrUnauthorized, err)
	}
	return err
}
