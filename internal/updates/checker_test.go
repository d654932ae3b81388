package updates

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivebackup/internal/config"
	"drivebackup/internal/events"
)

func feedServer(t *testing.T, status int, body string) (*httptest.Server, *http.Header) {
	t.Helper()
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func newTestChecker(version, url string, cfg ConfigSource, sink events.Sink) *Checker {
	return NewChecker(version, cfg, sink, zerolog.Nop(), WithFeedURL(url))
}

func TestParseVersionID(t *testing.T) {
	tests := []struct {
		title   string
		want    float64
		wantErr bool
	}{
		{"1.23", 123, false},
		{"1.24", 124, false},
		{"1.2", 12, false},
		{"2", 2, false},
		{" 1.20 ", 120, false},
		{"1.2.3", 12.3, false},
		{"1.10.2", 110.2, false},
		{"dev", 0, true},
		{"NaN", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got, err := ParseVersionID(tt.title)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCurrentTitle(t *testing.T) {
	assert.Equal(t, "1.23", CurrentTitle("1.23-SNAPSHOT"))
	assert.Equal(t, "1.23", CurrentTitle("1.23"))
	assert.Equal(t, "1.23", CurrentTitle("1.23-rc1-dirty"))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Outdated, Classify(123, 124))
	assert.Equal(t, AheadOfFeed, Classify(123, 120))
	assert.Equal(t, UpToDate, Classify(123, 123))
	assert.Equal(t, Outdated, Classify(12.3, 12.4))
	assert.Equal(t, AheadOfFeed, Classify(123, 12.3))
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		status     int
		body       string
		want       Classification
		wantLatest string
	}{
		{"outdated", "1.23", 200, `[{"name":"DriveBackup-1.22"},{"name":"DriveBackup-1.24"}]`, Outdated, "1.24"},
		{"ahead of feed", "1.23", 200, `[{"name":"DriveBackup-1.20"}]`, AheadOfFeed, "1.20"},
		{"up to date", "1.23-SNAPSHOT", 200, `[{"name":"DriveBackup-1.23"}]`, UpToDate, "1.23"},
		{"last element wins", "1.23", 200, `[{"name":"DriveBackup-1.30"},{"name":"DriveBackup-1.23"}]`, UpToDate, "1.23"},
		{"empty feed", "1.23", 200, `[]`, UpToDate, "1.23"},
		{"bad status", "1.23", 503, `oops`, CheckFailed, ""},
		{"bad json", "1.23", 200, `{"name":`, CheckFailed, ""},
		{"three part latest", "1.23", 200, `[{"name":"DriveBackup-1.2.3"}]`, AheadOfFeed, "1.2.3"},
		{"three part current", "1.2.3-SNAPSHOT", 200, `[{"name":"DriveBackup-1.2.4"}]`, Outdated, "1.2.4"},
		{"unparseable title", "1.23", 200, `[{"name":"DriveBackup-beta"}]`, CheckFailed, "beta"},
		{"unparseable current", "dev", 200, `[{"name":"DriveBackup-1.23"}]`, CheckFailed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := feedServer(t, tt.status, tt.body)
			info := newTestChecker(tt.version, srv.URL, nil, nil).Check(context.Background())
			assert.Equal(t, tt.want, info.Classification)
			assert.Equal(t, tt.wantLatest, info.LatestTitle)
			if tt.want == CheckFailed {
				assert.Error(t, info.Err)
			} else {
				assert.NoError(t, info.Err)
			}
		})
	}
}

func TestCheck_EmptyFeedKeepsCurrentID(t *testing.T) {
	srv, _ := feedServer(t, 200, `[]`)
	var buf bytes.Buffer
	c := NewChecker("1.23", nil, nil, zerolog.New(&buf), WithFeedURL(srv.URL))
	info := c.Check(context.Background())

	assert.Equal(t, UpToDate, info.Classification)
	assert.Equal(t, 123.0, info.CurrentID)
	assert.Equal(t, info.CurrentID, info.LatestID)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), ErrEmptyFeed.Error())
	assert.Contains(t, buf.String(), srv.URL)
}

func TestCheck_SendsUserAgent(t *testing.T) {
	srv, seen := feedServer(t, 200, `[]`)
	newTestChecker("1.23", srv.URL, nil, nil).Check(context.Background())
	assert.Equal(t, "DriveBackup Update Checker", seen.Get("User-Agent"))
}

func TestCheck_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	c := NewChecker("1.23", nil, nil, zerolog.Nop(),
		WithFeedURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}),
	)
	info := c.Check(context.Background())
	assert.Equal(t, CheckFailed, info.Classification)
}

func TestCheck_Unreachable(t *testing.T) {
	srv, _ := feedServer(t, 200, `[]`)
	url := srv.URL
	srv.Close()
	info := newTestChecker("1.23", url, nil, nil).Check(context.Background())
	assert.Equal(t, CheckFailed, info.Classification)
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSink) Emit(e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func TestRun_EmitsResult(t *testing.T) {
	srv, _ := feedServer(t, 200, `[{"name":"DriveBackup-1.24"}]`)
	sink := &captureSink{}
	store := config.NewStore("", config.Default())
	c := newTestChecker("1.23", srv.URL, store, sink)

	assert.Nil(t, c.Last())
	c.Run(context.Background())

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, events.UpdateCheckResult, ev.Type)
	require.NotNil(t, ev.Update)
	assert.Equal(t, string(Outdated), ev.Update.Classification)
	assert.Equal(t, 124.0, ev.Update.LatestID)

	last := c.Last()
	require.NotNil(t, last)
	assert.Equal(t, Outdated, last.Classification)
}

func TestRun_Disabled(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.UpdateCheck = false
	sink := &captureSink{}
	c := newTestChecker("1.23", srv.URL, config.NewStore("", cfg), sink)
	c.Run(context.Background())

	assert.Zero(t, hits)
	assert.Empty(t, sink.events)
	assert.Nil(t, c.Last())
}

func TestRun_FailureIsNotFatal(t *testing.T) {
	srv, _ := feedServer(t, 500, ``)
	sink := &captureSink{}
	c := newTestChecker("1.23", srv.URL, config.NewStore("", config.Default()), sink)
	c.Run(context.Background())

	require.Len(t, sink.events, 1)
	assert.Equal(t, string(CheckFailed), sink.events[0].Update.Classification)
	assert.NotEmpty(t, sink.events[0].Error)
}
