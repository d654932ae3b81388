package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
delay: 30
uploadTimeout: 120
updateCheck: false
source:
  name: world
  paths: [./world, ./world_nether]
  exclude: ["*.tmp"]
retention:
  keepLast: 5
destinations:
  s3:
    enabled: true
    bucket: backups
    accessKeyId: AKIA
    secretAccessKey: secret
  googledrive:
    enabled: true
    clientId: gid
    refreshToken: grt
    folderId: abc123
  onedrive:
    enabled: false
  ftp:
    enabled: true
    protocol: sftp
    host: files.example.com
    username: mc
  local:
    enabled: true
    path: /srv/backups
status:
  listen: ":9090"
`

func TestParseBytes(t *testing.T) {
	cfg, err := ParseBytes([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Interval())
	assert.Equal(t, 2*time.Minute, cfg.UploadTimeout())
	assert.False(t, cfg.UpdateCheck)
	assert.True(t, cfg.Metrics, "metrics should keep its default")
	assert.Equal(t, "world", cfg.Source.Name)
	assert.Equal(t, []string{"./world", "./world_nether"}, cfg.Source.Paths)
	assert.Equal(t, 5, cfg.Retention.KeepLast)
	assert.Equal(t, "sftp", cfg.Destinations.FTP.Protocol)
	assert.Equal(t, ":9090", cfg.Status.Listen)
	assert.Equal(t, "abc123", cfg.Destinations.GoogleDrive.FolderID)
	assert.Equal(t, []DestinationKind{KindObjectStorage, KindGoogleDrive, KindFileTransfer, KindLocal}, cfg.EnabledDestinations())
	assert.NoError(t, cfg.Validate())
}

func TestParseBytes_Defaults(t *testing.T) {
	cfg, err := ParseBytes([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Minute, cfg.Interval())
	assert.Equal(t, 10*time.Minute, cfg.UploadTimeout())
	assert.True(t, cfg.UpdateCheck)
	assert.Equal(t, "backup", cfg.Source.Name)
	assert.Equal(t, "ftp", cfg.Destinations.FTP.Protocol)
	assert.Equal(t, "./backups", cfg.Destinations.Local.Path)
	assert.Empty(t, cfg.EnabledDestinations())
}

func TestParseBytes_Invalid(t *testing.T) {
	_, err := ParseBytes([]byte("delay: [nope"))
	assert.Error(t, err)
}

func TestInterval_Disabled(t *testing.T) {
	cfg := Default()
	cfg.Delay = DisabledDelay
	assert.Less(t, cfg.Interval(), time.Duration(0))
}

func TestDestinationEnabled_UnknownKind(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.DestinationEnabled(DestinationKind("dropbox")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad negative delay", func(c *Config) { c.Delay = -5 }},
		{"zero delay", func(c *Config) { c.Delay = 0 }},
		{"s3 without bucket", func(c *Config) { c.Destinations.S3.Enabled = true }},
		{"s3 half credentials", func(c *Config) {
			c.Destinations.S3 = S3Config{Enabled: true, Bucket: "b", AccessKeyID: "id"}
		}},
		{"googledrive without client", func(c *Config) {
			c.Destinations.GoogleDrive = GoogleDriveConfig{Enabled: true, RefreshToken: "rt"}
		}},
		{"onedrive without token", func(c *Config) {
			c.Destinations.OneDrive = OneDriveConfig{Enabled: true, ClientID: "id"}
		}},
		{"ftp bad protocol", func(c *Config) {
			c.Destinations.FTP = FTPConfig{Enabled: true, Protocol: "scp", Host: "h", Username: "u"}
		}},
		{"ftp without host", func(c *Config) {
			c.Destinations.FTP = FTPConfig{Enabled: true, Protocol: "ftp"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Source.Paths = []string{"."}
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStore_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("delay: 5\n"), 0o644))

	store, err := Load(path)
	require.NoError(t, err)
	first := store.Current()
	assert.Equal(t, 5*time.Minute, first.Interval())

	require.NoError(t, os.WriteFile(path, []byte("delay: 15\ndestinations:\n  local:\n    enabled: true\n"), 0o644))
	old, cur, err := store.Reload()
	require.NoError(t, err)

	assert.Same(t, first, old)
	assert.Same(t, cur, store.Current())
	assert.Equal(t, 15*time.Minute, cur.Interval())
	// The previously published value is untouched.
	assert.Equal(t, 5*time.Minute, first.Interval())
	assert.False(t, first.DestinationEnabled(KindLocal))
}

func TestStore_ReloadErrorKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("delay: 5\n"), 0o644))
	store, err := Load(path)
	require.NoError(t, err)
	before := store.Current()

	require.NoError(t, os.WriteFile(path, []byte("delay: ["), 0o644))
	_, _, err = store.Reload()
	assert.Error(t, err)
	assert.Same(t, before, store.Current())
}

func TestStore_ConcurrentReaders(t *testing.T) {
	store := NewStore("", Default())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i%2 == 0 {
					next := Default()
					next.Delay = j + 1
					store.Replace(next)
					continue
				}
				cfg := store.Current()
				assert.Equal(t, time.Duration(cfg.Delay)*time.Minute, cfg.Interval())
			}
		}(i)
	}
	wg.Wait()
}

func TestPath_Env(t *testing.T) {
	t.Setenv("DRIVEBACKUP_CONFIG", "/tmp/custom.yml")
	assert.Equal(t, "/tmp/custom.yml", Path())
}
