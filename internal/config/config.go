// Package config loads the service configuration from the environment.
package config

import (
	"net"

	"github.com/blacktop/xpost/internal/xpost/bluesky"
	"github.com/blacktop/xpost/internal/xpost/mastodon"
	"github.com/blacktop/xpost/internal/xpost/twitter"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Twitter  TwitterConfig
	Bluesky  BlueskyConfig
	Mastodon MastodonConfig
}

type ServerConfig struct {
	Host   string `envconfig:"HOST"`
	Port   string `envconfig:"PORT" default:"3100"`
	APIKey string `envconfig:"API_KEY"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return net.JoinHostPort(s.Host, s.Port) }

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"text"`
}

// Platform credentials are optional at load time; a platform with missing
// credentials fails its own publishes with an auth error.
type TwitterConfig struct {
	APIKey       string `envconfig:"TWITTER_API_KEY"`
	APISecret    string `envconfig:"TWITTER_API_SECRET"`
	AccessToken  string `envconfig:"TWITTER_ACCESS_TOKEN"`
	AccessSecret string `envconfig:"TWITTER_ACCESS_SECRET"`
}

type BlueskyConfig struct {
	Identifier   string `envconfig:"BLUESKY_IDENTIFIER"`
	Password     string `envconfig:"BLUESKY_PASSWORD"`
	Service      string `envconfig:"BLUESKY_SERVICE" default:"https://bsky.social"`
	VideoService string `envconfig:"BLUESKY_VIDEO_SERVICE" default:"https://video.bsky.app"`
}

type MastodonConfig struct {
	Server       string `envconfig:"MASTODON_SERVER"`
	AccessToken  string `envconfig:"MASTODON_ACCESS_TOKEN"`
	ClientID     string `envconfig:"MASTODON_CLIENT_ID"`
	ClientSecret string `envconfig:"MASTODON_CLIENT_SECRET"`
}

func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c TwitterConfig) Driver() twitter.Config {
	return twitter.Config{
		APIKey:       c.APIKey,
		APISecret:    c.APISecret,
		AccessToken:  c.AccessToken,
		AccessSecret: c.AccessSecret,
	}
}

func (c BlueskyConfig) Driver() bluesky.Config {
	return bluesky.Config{
		Identifier:   c.Identifier,
		Password:     c.Password,
		Service:      c.Service,
		VideoService: c.VideoService,
	}
}

func (c MastodonConfig) Driver() mastodon.Config {
	return mastodon.Config{
		Server:       c.Server,
		AccessToken:  c.AccessToken,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
	}
}
