// Package updates checks the release feed for newer DriveBackup versions.
package updates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"drivebackup/internal/config"
	"drivebackup/internal/events"
)

const (
	// DefaultFeedURL lists published files, oldest first.
	DefaultFeedURL = "https://api.curseforge.com/servermods/files?projectids=97321"
	// DownloadURL is shown to operators running an outdated build.
	DownloadURL = "http://dev.bukkit.org/bukkit-plugins/drivebackup/"
	// DefaultCheckInterval is the default interval between version checks.
	DefaultCheckInterval = 6 * time.Hour
	// DefaultHTTPTimeout bounds one feed request.
	DefaultHTTPTimeout = 5 * time.Second

	userAgent   = "DriveBackup Update Checker"
	titlePrefix = "DriveBackup-"
	maxFeedSize = 4 << 20
)

// Classification is the result of comparing the running version to the feed.
type Classification string

const (
	UpToDate    Classification = "up-to-date"
	Outdated    Classification = "outdated"
	AheadOfFeed Classification = "ahead-of-feed"
	CheckFailed Classification = "check-failed"
)

// ErrEmptyFeed is reported in logs when the feed lists no files.
var ErrEmptyFeed = errors.New("no files found, or feed URL is bad")

// VersionInfo is derived on every check and never persisted.
type VersionInfo struct {
	CurrentTitle   string
	CurrentID      float64
	LatestTitle    string
	LatestID       float64
	Classification Classification
	CheckedAt      time.Time
	// Err is set when Classification is CheckFailed.
	Err error
}

// ConfigSource supplies the configuration in effect.
type ConfigSource interface {
	Current() *config.Config
}

// Option configures a Checker.
type Option func(*Checker)

// WithFeedURL overrides the release feed.
func WithFeedURL(u string) Option {
	return func(c *Checker) { c.feedURL = u }
}

// WithHTTPClient sets the client used for feed requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Checker) { c.httpClient = hc }
}

// Checker compares the running version against the release feed.
type Checker struct {
	version    string
	feedURL    string
	httpClient *http.Client
	cfg        ConfigSource
	sink       events.Sink
	logger     zerolog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	last *VersionInfo
}

// NewChecker creates a checker for the running version. A nil sink discards
// events.
func NewChecker(version string, cfg ConfigSource, sink events.Sink, logger zerolog.Logger, opts ...Option) *Checker {
	if sink == nil {
		sink = events.Discard
	}
	c := &Checker{
		version:    version,
		feedURL:    DefaultFeedURL,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		cfg:        cfg,
		sink:       sink,
		logger:     logger.With().Str("component", "update_checker").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentTitle returns the version title of a build version: everything
// before the first "-" ("1.23-SNAPSHOT" -> "1.23").
func CurrentTitle(version string) string {
	title, _, _ := strings.Cut(strings.TrimSpace(version), "-")
	return title
}

// ParseVersionID turns a version title into the feed's comparator value by
// removing the first "." and parsing the rest as a decimal number
// ("1.23" -> 123, "1.2.3" -> 12.3).
func ParseVersionID(title string) (float64, error) {
	digits := strings.TrimSpace(strings.Replace(title, ".", "", 1))
	id, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version title %q: %w", title, err)
	}
	if math.IsNaN(id) || math.IsInf(id, 0) {
		return 0, fmt.Errorf("invalid version title %q", title)
	}
	return id, nil
}

// Classify compares comparator values.
func Classify(current, latest float64) Classification {
	switch {
	case latest > current:
		return Outdated
	case current > latest:
		return AheadOfFeed
	default:
		return UpToDate
	}
}

// Check queries the feed once. Failures are reported through the returned
// CheckFailed classification, never as an error.
func (c *Checker) Check(ctx context.Context) VersionInfo {
	info := VersionInfo{
		CurrentTitle: CurrentTitle(c.version),
		CheckedAt:    c.now(),
	}
	fail := func(err error) VersionInfo {
		info.Classification = CheckFailed
		info.Err = err
		return info
	}

	currentID, err := ParseVersionID(info.CurrentTitle)
	if err != nil {
		return fail(fmt.Errorf("running version: %w", err))
	}
	info.CurrentID = currentID

	names, err := c.fetchFeed(ctx)
	if err != nil {
		return fail(err)
	}
	if len(names) == 0 {
		c.logger.Warn().Str("feed", c.feedURL).Msg(ErrEmptyFeed.Error())
		info.LatestTitle = info.CurrentTitle
		info.LatestID = info.CurrentID
		info.Classification = UpToDate
		return info
	}

	info.LatestTitle = strings.TrimSpace(strings.ReplaceAll(names[len(names)-1], titlePrefix, ""))
	latestID, err := ParseVersionID(info.LatestTitle)
	if err != nil {
		return fail(fmt.Errorf("latest version: %w", err))
	}
	info.LatestID = latestID
	info.Classification = Classify(info.CurrentID, info.LatestID)
	return info
}

type feedFile struct {
	Name string `json:"name"`
}

func (c *Checker) fetchFeed(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed error: HTTP %d", resp.StatusCode)
	}

	var files []feedFile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedSize)).Decode(&files); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names, nil
}

// Run is the periodic task body: check, log the operator message, emit an
// update-check-result event. It does nothing when update checks are
// switched off in the current configuration.
func (c *Checker) Run(ctx context.Context) {
	if c.cfg != nil && !c.cfg.Current().UpdateCheck {
		c.logger.Debug().Msg("update check disabled")
		return
	}

	c.logger.Info().Msg("running update checker")
	info := c.Check(ctx)

	switch info.Classification {
	case Outdated:
		c.logger.Info().
			Str("current_version", info.CurrentTitle).
			Str("latest_version", info.LatestTitle).
			Str("download", DownloadURL).
			Msgf("Version %s has been released. You are currently running version %s", info.LatestTitle, info.CurrentTitle)
	case AheadOfFeed:
		c.logger.Warn().
			Str("current_version", info.CurrentTitle).
			Str("latest_version", info.LatestTitle).
			Msgf("You are running an unsupported build! The recommended version is %s, and you are running %s. If the plugin has just recently updated, please ignore this message.", info.LatestTitle, info.CurrentTitle)
	case UpToDate:
		c.logger.Info().Str("current_version", info.CurrentTitle).Msg("Hooray! You are running the latest build!")
	case CheckFailed:
		c.logger.Warn().Err(info.Err).Msg("There was an issue attempting to check for the latest version.")
	}

	c.mu.Lock()
	c.last = &info
	c.mu.Unlock()

	ev := events.Event{
		Type: events.UpdateCheckResult,
		Time: info.CheckedAt,
		Update: &events.UpdateCheck{
			Classification: string(info.Classification),
			CurrentTitle:   info.CurrentTitle,
			LatestTitle:    info.LatestTitle,
			CurrentID:      info.CurrentID,
			LatestID:       info.LatestID,
		},
	}
	if info.Err != nil {
		ev.Error = info.Err.Error()
		ev.Update.Error = info.Err.Error()
	}
	if err := c.sink.Emit(ev); err != nil {
		c.logger.Warn().Err(err).Msg("event sink failed")
	}
}

// Last returns the result of the most recent Run, or nil.
func (c *Checker) Last() *VersionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil
	}
	info := *c.last
	return &info
}
