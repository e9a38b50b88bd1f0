package bluesky

import (
	"context"
	"strings"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/blacktop/xpost/internal/metrics"
	"github.com/blacktop/xpost/internal/xpost"
	"github.com/blacktop/xpost/internal/xpost/poll"
	"github.com/blacktop/xpost/internal/xpost/session"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/google/uuid"
)

const (
	envIdentifier = "BLUESKY_IDENTIFIER"
	envPassword   = "BLUESKY_PASSWORD"

	providerName = "bluesky"

	// DefaultService is the PDS entryway used when none is configured.
	DefaultService = "https://bsky.social"
	// DefaultVideoService hosts app.bsky.video.*.
	DefaultVideoService = "https://video.bsky.app"

	sessionTTL = 90 * time.Minute

	serviceTokenTTL  = 30 * time.Minute
	uploadBlobMethod = "com.atproto.repo.uploadBlob"
	maxJobPolls      = 120
	jobPollInterval  = 5 * time.Second

	collectionFeedPost = "app.bsky.feed.post"
)

// Config captures the Bluesky account credentials and service endpoints.
type Config struct {
	Identifier   string
	Password     string
	Service      string
	VideoService string
}

func (c Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.Identifier) == "" {
		missing = append(missing, envIdentifier)
	}
	if strings.TrimSpace(c.Password) == "" {
		missing = append(missing, envPassword)
	}
	if len(missing) > 0 {
		return xpost.MissingEnvError{Provider: providerName, Variables: missing}
	}
	return nil
}

func (c Config) withDefaults() Config {
	c.Identifier = strings.TrimSpace(c.Identifier)
	c.Password = strings.TrimSpace(c.Password)
	c.Service = strings.TrimRight(strings.TrimSpace(c.Service), "/")
	if c.Service == "" {
		c.Service = DefaultService
	}
	c.VideoService = strings.TrimRight(strings.TrimSpace(c.VideoService), "/")
	if c.VideoService == "" {
		c.VideoService = DefaultVideoService
	}
	return c
}

// pdsAPI is an authenticated account session on the user's PDS.
type pdsAPI interface {
	handleResolver
	DID() string
	UploadBlob(ctx context.Context, data []byte, mimeType string) (*util.LexBlob, error)
	ServiceAuth(ctx context.Context, audience, method string, expires time.Time) (string, error)
	CreatePost(ctx context.Context, post *bsky.FeedPost) (uri, cid string, err error)
}

// pdsResolver finds the PDS host serving a DID.
type pdsResolver interface {
	PDSHost(ctx context.Context, did string) (string, error)
}

// videoService submits and tracks video processing jobs.
type videoService interface {
	Upload(ctx context.Context, token, did, name, mimeType string, data []byte) (*bsky.VideoDefs_JobStatus, error)
	JobStatus(ctx context.Context, token, jobID string) (*bsky.VideoDefs_JobStatus, error)
}

// uploadJob is the transient state of one video processing job.
type uploadJob struct {
	JobID     string
	State     string
	BytesSent int
	Attempts  int
}

// Client implements the xpost.Publisher interface for Bluesky.
type Client struct {
	sessions *session.Cache[pdsAPI]
	resolver pdsResolver
	video    videoService
	sleep    poll.Sleeper
	now      func() time.Time

	pollInterval time.Duration
	maxPolls     int
}

// New constructs a Bluesky publisher. Login happens on first use and the
// session is reused for 90 minutes.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	login := func(ctx context.Context) (pdsAPI, error) {
		api, err := newXRPCAPI(ctx, cfg)
		metrics.RecordLogin(providerName, err)
		if err != nil {
			return nil, err
		}
		return api, nil
	}
	return newClient(
		session.New[pdsAPI](providerName, sessionTTL, login),
		newDirectoryResolver(),
		newVideoClient(cfg.VideoService, nil),
	)
}

func newClient(sessions *session.Cache[pdsAPI], resolver pdsResolver, video videoService) *Client {
	return &Client{
		sessions:     sessions,
		resolver:     resolver,
		video:        video,
		sleep:        poll.Sleep,
		now:          time.Now,
		pollInterval: jobPollInterval,
		maxPolls:     maxJobPolls,
	}
}

// Name identifies the provider.
func (c *Client) Name() string { return providerName }

// Publish uploads the media and creates a post embedding it.
func (c *Client) Publish(ctx context.Context, req xpost.Request, media *xpost.Media) (xpost.Result, error) {
	api, err := c.sessions.Get(ctx)
	if err != nil {
		return xpost.Result{}, err
	}

	res, err := c.publish(ctx, api, req, media)
	if err != nil && isAuthFailure(err) {
		logutil.Warnf("bluesky session rejected, dropping cached session: %v", err)
		c.sessions.Invalidate()
	}
	return res, err
}

func (c *Client) publish(ctx context.Context, api pdsAPI, req xpost.Request, media *xpost.Media) (xpost.Result, error) {
	facets := buildFacets(ctx, api, req.Caption)

	var embed *bsky.FeedPost_Embed
	if req.IsVideo {
		blob, err := c.uploadVideo(ctx, api, media.Data, req.MediaType)
		if err != nil {
			return xpost.Result{}, err
		}
		embed = &bsky.FeedPost_Embed{
			EmbedVideo: &bsky.EmbedVideo{
				LexiconTypeID: "app.bsky.embed.video",
				Video:         blob,
				AspectRatio:   videoAspectRatio(media.Data),
			},
		}
	} else {
		blob, err := api.UploadBlob(ctx, media.Data, req.MediaType)
		if err != nil {
			return xpost.Result{}, xpost.UploadError{Provider: providerName, Step: "upload blob", Err: err}
		}
		logutil.Debugf("blob uploaded: mime=%s size=%d", blob.MimeType, blob.Size)
		embed = &bsky.FeedPost_Embed{
			EmbedImages: &bsky.EmbedImages{
				LexiconTypeID: "app.bsky.embed.images",
				Images: []*bsky.EmbedImages_Image{
					{
						Alt:         req.AltText,
						Image:       blob,
						AspectRatio: imageAspectRatio(media.Data),
					},
				},
			},
		}
	}

	post := &bsky.FeedPost{
		LexiconTypeID: collectionFeedPost,
		CreatedAt:     c.now().UTC().Format(time.RFC3339),
		Text:          req.Caption,
		Facets:        facets,
		Embed:         embed,
	}
	uri, cid, err := api.CreatePost(ctx, post)
	if err != nil {
		return xpost.Result{}, xpost.UploadError{Provider: providerName, Step: "create record", Err: err}
	}
	logutil.Infof("bluesky post created: uri=%s", uri)

	return xpost.Result{Success: true, URI: uri, CID: cid}, nil
}

func (c *Client) uploadVideo(ctx context.Context, api pdsAPI, data []byte, mimeType string) (*util.LexBlob, error) {
	did := api.DID()

	host, err := c.resolver.PDSHost(ctx, did)
	if err != nil {
		return nil, xpost.UploadError{Provider: providerName, Step: "resolve PDS", Err: err}
	}
	audience := "did:web:" + host

	token, err := api.ServiceAuth(ctx, audience, uploadBlobMethod, c.now().Add(serviceTokenTTL))
	if err != nil {
		return nil, xpost.UploadError{Provider: providerName, Step: "service auth", Err: err}
	}

	name := uuid.NewString() + ".mp4"
	status, err := c.video.Upload(ctx, token, did, name, mimeType, data)
	if err != nil {
		return nil, xpost.UploadError{Provider: providerName, Step: "upload video", Err: err}
	}
	job := &uploadJob{JobID: status.JobId, State: status.State, BytesSent: len(data)}
	logutil.Debugf("video job submitted: job_id=%s state=%s bytes=%d", job.JobID, job.State, job.BytesSent)

	// the upload response can already be terminal for a deduplicated video
	if blob, done, err := jobOutcome(status); done || err != nil {
		return blob, err
	}
	return c.waitForJob(ctx, token, job)
}

func (c *Client) waitForJob(ctx context.Context, token string, job *uploadJob) (*util.LexBlob, error) {
	var blob *util.LexBlob
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
	err := policy.Run(ctx, func(ctx context.Context, attempt int) (poll.Status, error) {
		status, err := c.video.JobStatus(ctx, token, job.JobID)
		if err != nil {
			return poll.Status{}, xpost.UploadError{Provider: providerName, Step: "job status", Err: err}
		}
		job.State = status.State
		logutil.Debugf("video job: job_id=%s state=%s progress=%d attempt=%d", job.JobID, status.State, jobProgress(status), attempt)

		b, done, err := jobOutcome(status)
		if err != nil {
			return poll.Status{Err: err}, nil
		}
		if done {
			blob = b
			return poll.Status{Done: true}, nil
		}
		return poll.Status{}, nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}
