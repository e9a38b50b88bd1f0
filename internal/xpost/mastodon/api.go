package mastodon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	mastodonapi "github.com/mattn/go-mastodon"
)

const requestTimeout = 5 * time.Minute

// restAPI adapts go-mastodon to statusAPI.
type restAPI struct {
	client *mastodonapi.Client
}

func newRESTAPI(cfg Config) *restAPI {
	client := mastodonapi.NewClient(&mastodonapi.Config{
		Server:       strings.TrimRight(strings.TrimSpace(cfg.Server), "/"),
		AccessToken:  strings.TrimSpace(cfg.AccessToken),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})
	client.Timeout = requestTimeout
	client.UserAgent = "xpost/1"
	return &restAPI{client: client}
}

// UploadMedia sends the attachment. Large media is processed asynchronously
// and comes back without a URL until it is ready.
func (r *restAPI) UploadMedia(ctx context.Context, data []byte, description string) (string, bool, error) {
	attachment, err := r.client.UploadMediaFromMedia(ctx, &mastodonapi.Media{
		File:        bytes.NewReader(data),
		Description: description,
	})
	if err != nil {
		return "", false, err
	}
	return string(attachment.ID), attachment.URL != "", nil
}

// MediaReady reports 200 (processed) vs 206 (still processing) from
// GET /api/v1/media/:id.
func (r *restAPI) MediaReady(ctx context.Context, id string) (bool, error) {
	endpoint := r.client.Config.Server + "/api/v1/media/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+r.client.Config.AccessToken)
	req.Header.Set("User-Agent", r.client.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusPartialContent:
		return false, nil
	}
	return false, fmt.Errorf("bad request: %s", resp.Status)
}

func (r *restAPI) PostStatus(ctx context.Context, text string, mediaIDs []string) (string, string, error) {
	ids := make([]mastodonapi.ID, 0, len(mediaIDs))
	for _, id := range mediaIDs {
		ids = append(ids, mastodonapi.ID(id))
	}
	status, err := r.client.PostStatus(ctx, &mastodonapi.Toot{
		Status:   text,
		MediaIDs: ids,
	})
	if err != nil {
		return "", "", err
	}
	return string(status.ID), status.URL, nil
}
