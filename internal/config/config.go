// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the foldermirror settings from a YAML file and
// FOLDERMIRROR_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/foldermirror/internal/homedir"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Source kinds.
const (
	SourceIMAP    = "imap"
	SourceGmail   = "gmail"
	SourceOutlook = "outlook"
)

// EnvPrefix prefixes the environment variables overriding file
// settings, e.g. FOLDERMIRROR_IMAP_PASSWORD.
const EnvPrefix = "FOLDERMIRROR"

// IMAPConfig holds the IMAP account settings.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`

	// tls, starttls or insecure.
	Security string `mapstructure:"security" yaml:"security"`
}

// GmailConfig holds the Gmail API settings.
type GmailConfig struct {
	TokenFile    string   `mapstructure:"token_file" yaml:"token_file"`
	TokenCommand []string `mapstructure:"token_command" yaml:"token_command"`
	APIKey       string   `mapstructure:"api_key" yaml:"api_key"`
}

// OutlookConfig holds the Microsoft Graph settings.
type OutlookConfig struct {
	User        string `mapstructure:"user" yaml:"user"`
	AccessToken string `mapstructure:"access_token" yaml:"access_token"`
	TokenFile   string `mapstructure:"token_file" yaml:"token_file"`
}

// SinkConfig controls what is written for each item.
type SinkConfig struct {
	SkipAttachments bool `mapstructure:"skip_attachments" yaml:"skip_attachments"`
	PreserveRaw     bool `mapstructure:"preserve_raw" yaml:"preserve_raw"`
}

// NATSConfig enables saved-item events.  Empty URL disables them.
type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Stream  string `mapstructure:"stream" yaml:"stream"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// HTTPConfig enables the status API.  Empty Listen disables it.
type HTTPConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Config is the top-level configuration.
type Config struct {
	FolderName    string `mapstructure:"folder_name" yaml:"folder_name"`
	SaveDirectory string `mapstructure:"save_directory" yaml:"save_directory"`

	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	MaxItemsPerCycle    int `mapstructure:"max_items_per_cycle" yaml:"max_items_per_cycle"`

	// Batch size of the first cycle; zero means MaxItemsPerCycle.
	InitialMaxItems int `mapstructure:"initial_max_items" yaml:"initial_max_items"`

	// Take the oldest pending items first when more are pending
	// than a cycle may save.
	OldestFirst bool `mapstructure:"oldest_first" yaml:"oldest_first"`

	Source  string        `mapstructure:"source" yaml:"source"`
	IMAP    IMAPConfig    `mapstructure:"imap" yaml:"imap"`
	Gmail   GmailConfig   `mapstructure:"gmail" yaml:"gmail"`
	Outlook OutlookConfig `mapstructure:"outlook" yaml:"outlook"`
	Sink    SinkConfig    `mapstructure:"sink" yaml:"sink"`
	NATS    NATSConfig    `mapstructure:"nats" yaml:"nats"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// Error reports an invalid setting.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// IsError reports whether err is, or wraps, an *Error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

var defaults = map[string]any{
	"folder_name":           "inbox",
	"save_directory":        "",
	"poll_interval_seconds": 60,
	"max_items_per_cycle":   999,
	"initial_max_items":     0,
	"oldest_first":          false,
	"source":                SourceIMAP,
	"imap.host":             "",
	"imap.port":             "993",
	"imap.username":         "",
	"imap.password":         "",
	"imap.security":         "tls",
	"gmail.token_file":      "",
	"gmail.token_command":   []string{},
	"gmail.api_key":         "",
	"outlook.user":          "",
	"outlook.access_token":  "",
	"outlook.token_file":    "",
	"sink.skip_attachments": false,
	"sink.preserve_raw":     false,
	"nats.url":              "",
	"nats.stream":           "FOLDERMIRROR",
	"nats.subject":          "foldermirror.saved",
	"http.listen":           "",
}

// DefaultPath returns ~/.foldermirror.yaml.
func DefaultPath() string {
	return filepath.Join(homedir.Get(), ".foldermirror.yaml")
}

// Load reads the configuration at path, or at DefaultPath when path is
// empty.  Only a missing default file yields the defaults; any other
// file must exist and parse.  Environment variables override both.
// The result is not validated, so that command line flags may still
// change it.
func Load(path string) (*Config, error) {
	optional := path == ""
	if optional {
		path = DefaultPath()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to see it.
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound)
		if !optional || !missing {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, nil
}

// Interval returns the poll interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// FirstBatch returns the batch size of the first cycle.
func (c *Config) FirstBatch() int {
	if c.InitialMaxItems > 0 {
		return c.InitialMaxItems
	}
	return c.MaxItemsPerCycle
}

// Validate returns an *Error for the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.FolderName) == "":
		return &Error{"folder_name", "must not be empty"}
	case strings.TrimSpace(c.SaveDirectory) == "":
		return &Error{"save_directory", "must not be empty"}
	case c.PollIntervalSeconds <= 0:
		return &Error{"poll_interval_seconds", fmt.Sprintf("must be positive, got %d", c.PollIntervalSeconds)}
	case c.MaxItemsPerCycle <= 0:
		return &Error{"max_items_per_cycle", fmt.Sprintf("must be positive, got %d", c.MaxItemsPerCycle)}
	case c.InitialMaxItems < 0:
		return &Error{"initial_max_items", fmt.Sprintf("must not be negative, got %d", c.InitialMaxItems)}
	case c.NATS.URL != "" && c.NATS.Subject == "":
		return &Error{"nats.subject", "is required with nats.url"}
	}

	switch c.Source {
	case SourceIMAP:
		switch {
		case c.IMAP.Host == "":
			return &Error{"imap.host", "is required"}
		case c.IMAP.Username == "":
			return &Error{"imap.username", "is required"}
		}
		switch c.IMAP.Security {
		case "", "tls", "starttls", "insecure":
		default:
			return &Error{"imap.security", fmt.Sprintf("unknown value %q", c.IMAP.Security)}
		}
	case SourceGmail:
		if c.Gmail.TokenFile == "" && len(c.Gmail.TokenCommand) == 0 {
			return &Error{"gmail.token_file", "gmail.token_file or gmail.token_command is required"}
		}
	case SourceOutlook:
		switch {
		case c.Outlook.User == "":
			return &Error{"outlook.user", "is required"}
		case c.Outlook.AccessToken == "" && c.Outlook.TokenFile == "":
			return &Error{"outlook.access_token", "outlook.access_token or outlook.token_file is required"}
		}
	default:
		return &Error{"source", fmt.Sprintf("unknown source %q", c.Source)}
	}
	return nil
}
