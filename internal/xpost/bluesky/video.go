package bluesky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blacktop/xpost/internal/xpost"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/goccy/go-json"
)

const (
	jobStateCompleted = "JOB_STATE_COMPLETED"
	jobStateFailed    = "JOB_STATE_FAILED"

	uploadVideoMethod = "app.bsky.video.uploadVideo"

	videoTimeout = 10 * time.Minute
)

// uploadVideoOutput accepts the bare job status the service answers with as
// well as the {"jobStatus": {...}} lexicon form.
type uploadVideoOutput struct {
	bsky.VideoDefs_JobStatus
	JobStatus *bsky.VideoDefs_JobStatus `json:"jobStatus,omitempty"`
}

func (o *uploadVideoOutput) status() *bsky.VideoDefs_JobStatus {
	if o.JobStatus != nil {
		return o.JobStatus
	}
	return &o.VideoDefs_JobStatus
}

// videoClient talks to the app.bsky.video service. Every call authenticates
// with a service token minted by the user's PDS.
type videoClient struct {
	host string
	http *http.Client
}

func newVideoClient(host string, client *http.Client) *videoClient {
	if client == nil {
		client = &http.Client{Timeout: videoTimeout}
	}
	return &videoClient{host: host, http: client}
}

func (v *videoClient) xrpcClient(token string, hc *http.Client) *xrpc.Client {
	ua := userAgent
	return &xrpc.Client{
		Client:    hc,
		Host:      v.host,
		UserAgent: &ua,
		Auth:      &xrpc.AuthInfo{AccessJwt: token},
	}
}

// Upload submits the video bytes. A 409 for a video the service has already
// seen still names the existing job and is treated as accepted.
func (v *videoClient) Upload(ctx context.Context, token, did, name, mimeType string, data []byte) (*bsky.VideoDefs_JobStatus, error) {
	conflict := &conflictRecorder{next: v.http.Transport}
	hc := *v.http
	hc.Transport = conflict

	params := map[string]any{"did": did, "name": name}
	var out uploadVideoOutput
	err := v.xrpcClient(token, &hc).Do(ctx, xrpc.Procedure, mimeType, uploadVideoMethod, params, bytes.NewReader(data), &out)
	if err != nil {
		var xe *xrpc.Error
		if errors.As(err, &xe) && xe.StatusCode == http.StatusConflict {
			if st := conflict.jobStatus(); st != nil {
				if st.Did == "" {
					st.Did = did
				}
				return st, nil
			}
		}
		return nil, err
	}

	st := out.status()
	if st.JobId == "" {
		return nil, errors.New("upload response missing jobId")
	}
	return st, nil
}

// JobStatus fetches the current state of a processing job.
func (v *videoClient) JobStatus(ctx context.Context, token, jobID string) (*bsky.VideoDefs_JobStatus, error) {
	out, err := bsky.VideoGetJobStatus(ctx, v.xrpcClient(token, v.http), jobID)
	if err != nil {
		return nil, err
	}
	if out.JobStatus == nil {
		return nil, errors.New("job status response missing jobStatus")
	}
	return out.JobStatus, nil
}

// conflictRecorder keeps the body of a 409 answer. The video service names
// the existing job there, and xrpc.Client only surfaces error and message.
type conflictRecorder struct {
	next http.RoundTripper
	body []byte
}

func (c *conflictRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	next := c.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusConflict {
		return resp, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read conflict body: %w", err)
	}
	c.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func (c *conflictRecorder) jobStatus() *bsky.VideoDefs_JobStatus {
	if len(c.body) == 0 {
		return nil
	}
	var out uploadVideoOutput
	if json.Unmarshal(c.body, &out) != nil {
		return nil
	}
	if st := out.status(); st.JobId != "" {
		return st
	}
	return nil
}

// jobOutcome reports the blob for a completed job and a ProcessingError for
// a failed one. Neither means the job is still running.
func jobOutcome(s *bsky.VideoDefs_JobStatus) (*util.LexBlob, bool, error) {
	switch s.State {
	case jobStateCompleted:
		if s.Blob == nil {
			return nil, false, xpost.ProcessingError{Provider: providerName, Message: "job completed without a blob"}
		}
		return s.Blob, true, nil
	case jobStateFailed:
		return nil, false, xpost.ProcessingError{Provider: providerName, Message: jobFailure(s)}
	}
	return nil, false, nil
}

func jobFailure(s *bsky.VideoDefs_JobStatus) string {
	switch {
	case s.Error != nil && *s.Error != "":
		return *s.Error
	case s.Message != nil && *s.Message != "":
		return *s.Message
	}
	return "unknown error"
}

func jobProgress(s *bsky.VideoDefs_JobStatus) int64 {
	if s.Progress == nil {
		return 0
	}
	return *s.Progress
}
