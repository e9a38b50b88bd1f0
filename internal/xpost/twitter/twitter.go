package twitter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/blacktop/xpost/internal/metrics"
	"github.com/blacktop/xpost/internal/xpost"
	"github.com/blacktop/xpost/internal/xpost/poll"
	"github.com/blacktop/xpost/internal/xpost/session"
)

const (
	envAPIKey       = "TWITTER_API_KEY"
	envAPISecret    = "TWITTER_API_SECRET"
	envAccessToken  = "TWITTER_ACCESS_TOKEN"
	envAccessSecret = "TWITTER_ACCESS_SECRET"

	providerName = "twitter"

	// ChunkSize is the APPEND segment size.
	ChunkSize = 5 << 20

	maxStatusPolls      = 60
	defaultPollInterval = 5 * time.Second

	categoryImage = "tweet_image"
	categoryVideo = "tweet_video"

	stateSucceeded = "succeeded"
	stateFailed    = "failed"
)

// Config captures the credentials required for OAuth 1.0a user-context requests.
type Config struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string
}

func (c Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, envAPIKey)
	}
	if strings.TrimSpace(c.APISecret) == "" {
		missing = append(missing, envAPISecret)
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		missing = append(missing, envAccessToken)
	}
	if strings.TrimSpace(c.AccessSecret) == "" {
		missing = append(missing, envAccessSecret)
	}
	if len(missing) > 0 {
		return xpost.MissingEnvError{Provider: providerName, Variables: missing}
	}
	return nil
}

// processingInfo is the async media state reported by FINALIZE and STATUS.
type processingInfo struct {
	State          string
	CheckAfterSecs int
	Progress       int
	Error          string
}

// mediaAPI is the set of signed X API calls the upload state machine needs.
// Every call is an independently signed request.
type mediaAPI interface {
	UploadSimple(ctx context.Context, data []byte, category string) (string, error)
	Initialize(ctx context.Context, totalBytes int, mediaType, category string) (string, error)
	Append(ctx context.Context, mediaID string, segment int, data []byte) error
	Finalize(ctx context.Context, mediaID string) (*processingInfo, error)
	Status(ctx context.Context, mediaID string) (*processingInfo, error)
	SetAltText(ctx context.Context, mediaID, altText string) error
	CreateTweet(ctx context.Context, text string, mediaIDs []string) (string, error)
}

// uploadJob is the transient state of one chunked upload.
type uploadJob struct {
	MediaID   string
	State     string
	BytesSent int
	Segments  int
	Attempts  int
}

// Client implements the xpost.Publisher interface for X (Twitter).
type Client struct {
	sessions     *session.Cache[mediaAPI]
	sleep        poll.Sleeper
	chunkSize    int
	pollInterval time.Duration
	maxPolls     int
}

// New constructs a Twitter publisher. The OAuth client is built lazily on
// first use so that missing credentials surface as a per-request AuthError.
func New(cfg Config) *Client {
	login := func(ctx context.Context) (mediaAPI, error) {
		api, err := newGotwiAPI(cfg)
		metrics.RecordLogin(providerName, err)
		if err != nil {
			return nil, err
		}
		return api, nil
	}
	return newClient(session.New[mediaAPI](providerName, 0, login))
}

func newClient(sessions *session.Cache[mediaAPI]) *Client {
	return &Client{
		sessions:     sessions,
		sleep:        poll.Sleep,
		chunkSize:    ChunkSize,
		pollInterval: defaultPollInterval,
		maxPolls:     maxStatusPolls,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// Publish uploads the media and creates a tweet referencing it.
func (c *Client) Publish(ctx context.Context, req xpost.Request, media *xpost.Media) (xpost.Result, error) {
	api, err := c.sessions.Get(ctx)
	if err != nil {
		return xpost.Result{}, err
	}

	var mediaID string
	if req.IsVideo {
		mediaID, err = c.chunkedUpload(ctx, api, media.Data, req.MediaType)
	} else {
		mediaID, err = c.simpleUpload(ctx, api, media.Data, req.AltText)
	}
	if err != nil {
		return xpost.Result{}, err
	}
	logutil.Debugf("media uploaded: media_id=%s", mediaID)

	tweetID, err := api.CreateTweet(ctx, req.Caption, []string{mediaID})
	if err != nil {
		return xpost.Result{}, xpost.UploadError{Provider: providerName, Step: "create tweet", Err: err}
	}
	logutil.Infof("tweet created: id=%s media_id=%s", tweetID, mediaID)

	return xpost.Result{Success: true, ID: tweetID}, nil
}

func (c *Client) simpleUpload(ctx context.Context, api mediaAPI, data []byte, altText string) (string, error) {
	logutil.Debugf("single-shot upload: bytes=%d", len(data))
	mediaID, err := api.UploadSimple(ctx, data, categoryImage)
	if err != nil {
		return "", xpost.UploadError{Provider: providerName, Step: "upload image", Err: err}
	}

	if alt := strings.TrimSpace(altText); alt != "" {
		// alt text is cosmetic; a failure here must not lose the upload
		if err := api.SetAltText(ctx, mediaID, alt); err != nil {
			logutil.Warnf("set alt text failed: media_id=%s err=%v", mediaID, err)
		}
	}
	return mediaID, nil
}

func (c *Client) chunkedUpload(ctx context.Context, api mediaAPI, data []byte, mediaType string) (string, error) {
	total := len(data)
	logutil.Debugf("initialize upload: media_type=%s bytes=%d", mediaType, total)
	mediaID, err := api.Initialize(ctx, total, mediaType, categoryVideo)
	if err != nil {
		return "", xpost.UploadError{Provider: providerName, Step: "INIT", Err: err}
	}
	job := &uploadJob{MediaID: mediaID, State: "APPENDING"}
	logutil.Debugf("initialize complete: media_id=%s", mediaID)

	segments := segmentCount(total, c.chunkSize)
	for i := 0; i < segments; i++ {
		start := i * c.chunkSize
		end := min(start+c.chunkSize, total)
		// three-index slice: the segment cannot grow into the shared buffer
		segment := data[start:end:end]

		if err := api.Append(ctx, mediaID, i, segment); err != nil {
			return "", xpost.UploadError{
				Provider: providerName,
				Step:     fmt.Sprintf("APPEND (segment %d/%d)", i+1, segments),
				Err:      err,
			}
		}
		job.BytesSent += len(segment)
		job.Segments++
		metrics.SegmentsUploaded.Inc()
		logutil.Debugf("append upload: media_id=%s segment=%d/%d", mediaID, i+1, segments)
	}

	job.State = "FINALIZING"
	info, err := api.Finalize(ctx, mediaID)
	if err != nil {
		return "", xpost.UploadError{Provider: providerName, Step: "FINALIZE", Err: err}
	}

	if info != nil && info.State != "" {
		logutil.Debugf("finalize state=%s media_id=%s", info.State, mediaID)
		switch info.State {
		case stateSucceeded:
		case stateFailed:
			return "", xpost.ProcessingError{Provider: providerName, Message: c.finalizeFailure(ctx, api, mediaID, info)}
		default:
			job.State = "PROCESSING"
			if err := c.waitForProcessing(ctx, api, job); err != nil {
				return "", err
			}
		}
	}

	job.State = "DONE"
	return mediaID, nil
}

func (c *Client) waitForProcessing(ctx context.Context, api mediaAPI, job *uploadJob) error {
	policy := poll.Policy{
		Provider:    providerName,
		Step:        "video processing",
		MaxAttempts: c.maxPolls,
		Interval:    c.pollInterval,
		Sleep:       c.sleep,
		OnAttempt: func(attempt int) {
			job.Attempts = attempt
			metrics.PollAttempts.WithLabelValues(providerName).Inc()
		},
	}
	return policy.Run(ctx, func(ctx context.Context, attempt int) (poll.Status, error) {
		info, err := api.Status(ctx, job.MediaID)
		if err != nil {
			return poll.Status{}, xpost.UploadError{Provider: providerName, Step: "STATUS", Err: err}
		}
		if info == nil {
			return poll.Status{}, nil
		}
		logutil.Debugf("status: media_id=%s state=%s progress=%d attempt=%d", job.MediaID, info.State, info.Progress, attempt)
		switch info.State {
		case stateSucceeded:
			return poll.Status{Done: true}, nil
		case stateFailed:
			return poll.Status{Err: xpost.ProcessingError{Provider: providerName, Message: info.failure()}}, nil
		}
		return poll.Status{Wait: time.Duration(info.CheckAfterSecs) * time.Second}, nil
	})
}

// finalizeFailure returns the platform's diagnostic for a FINALIZE that
// reported failed. FINALIZE carries no error text, so STATUS is asked once.
func (c *Client) finalizeFailure(ctx context.Context, api mediaAPI, mediaID string, info *processingInfo) string {
	if info.Error != "" {
		return info.Error
	}
	status, err := api.Status(ctx, mediaID)
	if err != nil {
		logutil.Warnf("status after failed finalize: media_id=%s: %v", mediaID, err)
		return info.failure()
	}
	if status == nil || status.Error == "" {
		return info.failure()
	}
	return status.Error
}

func (p *processingInfo) failure() string {
	if p.Error != "" {
		return p.Error
	}
	return "state=" + p.State
}

func segmentCount(total, size int) int {
	if total == 0 {
		return 0
	}
	return (total + size - 1) / size
}
