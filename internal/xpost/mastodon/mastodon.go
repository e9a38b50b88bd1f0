package mastodon

import (
	"context"
	"strings"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/blacktop/xpost/internal/metrics"
	"github.com/blacktop/xpost/internal/xpost"
	"github.com/blacktop/xpost/internal/xpost/poll"
	"github.com/blacktop/xpost/internal/xpost/session"
)

const (
	envServer      = "MASTODON_SERVER"
	envAccessToken = "MASTODON_ACCESS_TOKEN"

	providerName = "mastodon"

	maxMediaPolls     = 60
	mediaPollInterval = 2 * time.Second
)

// Config contains the settings needed to reach a Mastodon server.
type Config struct {
	Server       string
	AccessToken  string
	ClientID     string
	ClientSecret string
}

// Enabled reports whether a server is configured at all. Without one the
// platform is left out of fan-out entirely.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Server) != "" }

func (c Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.Server) == "" {
		missing = append(missing, envServer)
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		missing = append(missing, envAccessToken)
	}
	if len(missing) > 0 {
		return xpost.MissingEnvError{Provider: providerName, Variables: missing}
	}
	return nil
}

// statusAPI is the subset of the Mastodon REST API a publish needs.
type statusAPI interface {
	UploadMedia(ctx context.Context, data []byte, description string) (id string, ready bool, err error)
	MediaReady(ctx context.Context, id string) (bool, error)
	PostStatus(ctx context.Context, text string, mediaIDs []string) (id, url string, err error)
}

// Client wraps the Mastodon API client with xpost semantics.
type Client struct {
	sessions     *session.Cache[statusAPI]
	sleep        poll.Sleeper
	pollInterval time.Duration
	maxPolls     int
}

// New constructs a Mastodon publisher. The bearer token never expires on its
// own so the client is built once and kept.
func New(cfg Config) *Client {
	login := func(ctx context.Context) (statusAPI, error) {
		if err := cfg.validate(); err != nil {
			metrics.RecordLogin(providerName, err)
			return nil, err
		}
		metrics.RecordLogin(providerName, nil)
		return newRESTAPI(cfg), nil
	}
	return newClient(session.New[statusAPI](providerName, 0, login))
}

func newClient(sessions *session.Cache[statusAPI]) *Client {
	return &Client{
		sessions:     sessions,
		sleep:        poll.Sleep,
		pollInterval: mediaPollInterval,
		maxPolls:     maxMediaPolls,
	}
}

// Name identifies the provider.
func (c *Client) Name() string { return providerName }

// Publish uploads the media and posts a status carrying it.
func (c *Client) Publish(ctx context.Context, req xpost.Request, media *xpost.Media) (xpost.Result, error) {
	api, err := c.sessions.Get(ctx)
	if err != nil {
		return xpost.Result{}, err
	}

	mediaID, ready, err := api.UploadMedia(ctx, media.Data, req.AltText)
	if err != nil {
		return xpost.Result{}, xpost.UploadError{Provider: providerName, Step: "upload media", Err: err}
	}
	logutil.Debugf("mastodon media uploaded: id=%s ready=%t", mediaID, ready)

	if !ready {
		if err := c.waitForMedia(ctx, api, mediaID); err != nil {
			return xpost.Result{}, err
		}
	}

	statusID, statusURL, err := api.PostStatus(ctx, req.Caption, []string{mediaID})
	if err != nil {
		return xpost.Result{}, xpost.UploadError{Provider: providerName, Step: "post status", Err: err}
	}
	logutil.Infof("mastodon status posted: id=%s url=%s", statusID, statusURL)

	return xpost.Result{Success: true, ID: statusID, URL: statusURL}, nil
}

// waitForMedia polls until the server has finished transcoding an
// asynchronously processed attachment.
func (c *Client) waitForMedia(ctx context.Context, api statusAPI, mediaID string) error {
	policy := poll.Policy{
		Provider:    providerName,
		Step:        "media processing",
		MaxAttempts: c.maxPolls,
		Interval:    c.pollInterval,
		Sleep:       c.sleep,
		OnAttempt: func(int) {
			metrics.PollAttempts.WithLabelValues(providerName).Inc()
		},
	}
	return policy.Run(ctx, func(ctx context.Context, attempt int) (poll.Status, error) {
		ready, err := api.MediaReady(ctx, mediaID)
		if err != nil {
			return poll.Status{}, xpost.UploadError{Provider: providerName, Step: "media status", Err: err}
		}
		return poll.Status{Done: ready}, nil
	})
}
