package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"calfeed/internal/feed"
	"calfeed/internal/ics"
)

const (
	DefaultListen              = "127.0.0.1:8080"
	DefaultReloadIntervalMs    = 300000
	MinReloadIntervalMs        = 1000
	DefaultMaximumEntries      = 10
	DefaultMaximumNumberOfDays = 365
)

// AuthConfig holds credentials for one calendar. Method "bearer" sends
// Pass as the bearer token; any other non-empty method sends basic auth.
type AuthConfig struct {
	Method string `yaml:"method" json:"method"`
	User   string `yaml:"user" json:"user"`
	Pass   string `yaml:"pass" json:"pass"`
}

// CalendarConfig describes a single feed subscription.
type CalendarConfig struct {
	// ID identifies the calendar in logs, metrics and the status API.
	// Defaults to a name-based UUID of the URL.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// URL is the feed endpoint.
	URL string `yaml:"url" json:"url"`

	// ReloadInterval is the delay between attempts in milliseconds.
	ReloadInterval int `yaml:"reloadInterval" json:"reloadInterval"`
	// Refresh is an optional cron expression that replaces
	// ReloadInterval, e.g. "*/15 * * * *".
	Refresh string `yaml:"refresh,omitempty" json:"refresh,omitempty"`

	ExcludedEvents      []string `yaml:"excludedEvents" json:"excludedEvents"`
	MaximumEntries      *int     `yaml:"maximumEntries" json:"maximumEntries"`
	MaximumNumberOfDays *int     `yaml:"maximumNumberOfDays" json:"maximumNumberOfDays"`
	IncludePastEvents   bool     `yaml:"includePastEvents" json:"includePastEvents"`

	Auth           *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`
	SelfSignedCert bool        `yaml:"selfSignedCert" json:"selfSignedCert"`

	// Parser is "golang-ical" (default) or "go-ical".
	Parser string `yaml:"parser,omitempty" json:"parser,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the status server. Empty
	// disables it.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone events are presented in (e.g. "Europe/Berlin").
	// Empty means the process local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// UserAgent is sent with every feed request.
	UserAgent string `yaml:"user_agent" json:"user_agent"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogJSON  bool   `yaml:"log_json" json:"log_json"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    DefaultListen,
		LogLevel:  "info",
		Calendars: []CalendarConfig{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}

	taken := make(map[string]bool, len(c.Calendars))
	for _, cc := range c.Calendars {
		if cc.ID != "" {
			taken[cc.ID] = true
		}
	}
	for i := range c.Calendars {
		cc := &c.Calendars[i]
		explicit := cc.ID != ""
		cc.Normalize()
		if explicit || cc.ID == "" {
			continue
		}
		// The same feed listed again gets an id qualified by its position.
		for n := i; taken[cc.ID]; n++ {
			cc.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", cc.URL, n))).String()
		}
		taken[cc.ID] = true
	}
}

// Normalize applies per-calendar defaults.
func (cc *CalendarConfig) Normalize() {
	cc.URL = strings.TrimSpace(cc.URL)
	if cc.ID == "" && cc.URL != "" {
		cc.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(cc.URL)).String()
	}
	if cc.ReloadInterval == 0 {
		cc.ReloadInterval = DefaultReloadIntervalMs
	}
	if cc.MaximumEntries == nil {
		cc.MaximumEntries = intPtr(DefaultMaximumEntries)
	}
	if cc.MaximumNumberOfDays == nil {
		cc.MaximumNumberOfDays = intPtr(DefaultMaximumNumberOfDays)
	}
	if cc.ExcludedEvents == nil {
		cc.ExcludedEvents = []string{}
	}
	if cc.Parser == "" {
		cc.Parser = ics.ParserGolangICal
	}
}

func intPtr(v int) *int { return &v }

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}
	seen := make(map[string]int, len(c.Calendars))
	for i, cc := range c.Calendars {
		if err := cc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("calendars[%d]: %w", i, err))
		}
		if prev, dup := seen[cc.ID]; dup && cc.ID != "" {
			errs = append(errs, fmt.Errorf("calendars[%d]: id %q already used by calendars[%d]", i, cc.ID, prev))
		}
		seen[cc.ID] = i
	}
	return errors.Join(errs...)
}

// Validate checks a normalized calendar entry.
func (cc *CalendarConfig) Validate() error {
	var errs []error
	if cc.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if cc.ReloadInterval < MinReloadIntervalMs {
		errs = append(errs, fmt.Errorf("reloadInterval must be at least %d ms, got %d", MinReloadIntervalMs, cc.ReloadInterval))
	}
	if cc.MaximumEntries != nil && *cc.MaximumEntries < 0 {
		errs = append(errs, fmt.Errorf("maximumEntries must not be negative, got %d", *cc.MaximumEntries))
	}
	if cc.MaximumNumberOfDays != nil && *cc.MaximumNumberOfDays < 0 {
		errs = append(errs, fmt.Errorf("maximumNumberOfDays must not be negative, got %d", *cc.MaximumNumberOfDays))
	}
	if cc.Refresh != "" {
		if _, err := cron.ParseStandard(cc.Refresh); err != nil {
			errs = append(errs, fmt.Errorf("refresh %q: %w", cc.Refresh, err))
		}
	}
	if _, err := ics.NewParser(cc.Parser); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// FeedAuth converts the configured credentials into transport auth.
func (cc *CalendarConfig) FeedAuth() ics.Auth {
	if cc.Auth == nil || (cc.Auth.Method == "" && cc.Auth.User == "" && cc.Auth.Pass == "") {
		return ics.Auth{}
	}
	if strings.EqualFold(cc.Auth.Method, string(ics.AuthBearer)) {
		return ics.Auth{Method: ics.AuthBearer, Token: cc.Auth.Pass}
	}
	return ics.Auth{Method: ics.AuthBasic, User: cc.Auth.User, Pass: cc.Auth.Pass}
}

// Options builds the subscription options for this calendar. loc is the
// display time zone and userAgent the User-Agent header.
func (cc *CalendarConfig) Options(loc *time.Location, userAgent string) (feed.Options, error) {
	parser, err := ics.NewParser(cc.Parser)
	if err != nil {
		return feed.Options{}, err
	}

	var schedule cron.Schedule
	if cc.Refresh != "" {
		schedule, err = cron.ParseStandard(cc.Refresh)
		if err != nil {
			return feed.Options{}, fmt.Errorf("refresh %q: %w", cc.Refresh, err)
		}
	}

	maxEntries, maxDays := DefaultMaximumEntries, DefaultMaximumNumberOfDays
	if cc.MaximumEntries != nil {
		maxEntries = *cc.MaximumEntries
	}
	if cc.MaximumNumberOfDays != nil {
		maxDays = *cc.MaximumNumberOfDays
	}

	return feed.Options{
		ID:            cc.ID,
		Name:          cc.Name,
		URL:           cc.URL,
		Auth:          cc.FeedAuth(),
		AllowInsecure: cc.SelfSignedCert,
		UserAgent:     userAgent,
		Parser:        parser,
		Policy: ics.FilterPolicy{
			ExcludedPhrases:      cc.ExcludedEvents,
			MaximumEntries:       maxEntries,
			MaximumLookaheadDays: maxDays,
			IncludePastEvents:    cc.IncludePastEvents,
			Location:             loc,
		},
		ReloadInterval: time.Duration(cc.ReloadInterval) * time.Millisecond,
		Schedule:       schedule,
	}, nil
}

// FeedOptions builds subscription options for every calendar.
func (c *Config) FeedOptions(userAgent string) ([]feed.Options, error) {
	if c.UserAgent != "" {
		userAgent = c.UserAgent
	}
	loc := c.Location()
	out := make([]feed.Options, 0, len(c.Calendars))
	for i := range c.Calendars {
		o, err := c.Calendars[i].Options(loc, userAgent)
		if err != nil {
			return nil, fmt.Errorf("calendars[%d]: %w", i, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600, since it may hold feed
//     credentials.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calfeed-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
