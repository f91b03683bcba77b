package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Source types accepted in configuration.
const (
	SourceTypeTelegram     = "telegram"
	SourceTypeTelegramUser = "telegram_user"
)

// FormatAll is the selector meta-value admitting every format.
const FormatAll = "all"

// TelegramSource configures a Bot API source.
type TelegramSource struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

// TelegramUserSource configures an MTProto user-session source.
type TelegramUserSource struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
	Session string `yaml:"session"`
	Peer    string `yaml:"peer"`
}

// Selector filters which formats a source is allowed to contribute.
type Selector struct {
	IncludeFormats []string `yaml:"include_formats"`
}

// Allows reports whether the selector admits the given format id.
func (s Selector) Allows(formatID string) bool {
	for _, f := range s.IncludeFormats {
		if f == FormatAll || f == formatID {
			return true
		}
	}
	return false
}

// Source is one configured upstream channel.
type Source struct {
	ID           string              `yaml:"id"`
	Type         string              `yaml:"type"`
	Selector     Selector            `yaml:"selector"`
	Telegram     *TelegramSource     `yaml:"telegram,omitempty"`
	TelegramUser *TelegramUserSource `yaml:"telegram_user,omitempty"`
}

// Destination is one publish target of a route. Mode and the caption
// template are opaque to the pipelines; Token overrides the environment
// fallbacks when set.
type Destination struct {
	ChatID          string `yaml:"chat_id"`
	Mode            string `yaml:"mode"`
	CaptionTemplate string `yaml:"caption_template"`
	Token           string `yaml:"token,omitempty"`
}

// Route fans selected sources and formats out to destinations.
type Route struct {
	Name         string        `yaml:"name"`
	FromSources  []string      `yaml:"from_sources"`
	Formats      []string      `yaml:"formats"`
	Destinations []Destination `yaml:"destinations"`
}

// Config is the full application configuration. The file nests routes
// under a publishing block; Routes carries them flattened.
type Config struct {
	Sources []Source
	Routes  []Route
}

// UnmarshalYAML maps the file layout (sources at the top level, routes
// under publishing) onto the flat struct the rest of the code uses.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var file struct {
		Sources    []Source `yaml:"sources"`
		Publishing struct {
			Routes []Route `yaml:"routes"`
		} `yaml:"publishing"`
	}
	if err := value.Decode(&file); err != nil {
		return err
	}
	c.Sources = file.Sources
	c.Routes = file.Publishing.Routes
	return nil
}

var envRe = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// ExpandEnv replaces ${VAR} references with the environment value, empty
// string when unset.
func ExpandEnv(text string) string {
	return envRe.ReplaceAllStringFunc(text, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// Load reads, env-expands, parses and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural consistency: unique source ids, known source
// types with their required blocks, and route references resolving to a
// configured source.
func (c *Config) Validate() error {
	ids := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source with empty id")
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("duplicate source id: %s", s.ID)
		}
		ids[s.ID] = struct{}{}

		switch s.Type {
		case SourceTypeTelegram:
			if s.Telegram == nil || s.Telegram.Token == "" || s.Telegram.ChatID == "" {
				return fmt.Errorf("source %s: telegram block requires token and chat_id", s.ID)
			}
		case SourceTypeTelegramUser:
			if s.TelegramUser == nil || s.TelegramUser.APIID == 0 || s.TelegramUser.APIHash == "" {
				return fmt.Errorf("source %s: telegram_user block requires api_id and api_hash", s.ID)
			}
		default:
			return fmt.Errorf("source %s: unknown type %q", s.ID, s.Type)
		}
	}

	for _, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("route with empty name")
		}
		for _, ref := range r.FromSources {
			if _, ok := ids[ref]; !ok {
				return fmt.Errorf("route %s references unknown source %s", r.Name, ref)
			}
		}
	}
	return nil
}

// SourceByID returns the source with the given id.
func (c *Config) SourceByID(id string) (*Source, bool) {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i], true
		}
	}
	return nil, false
}
