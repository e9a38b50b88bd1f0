package xpost

import (
	"context"
	"strings"
)

const (
	defaultImageType = "image/jpeg"
	defaultVideoType = "video/mp4"
)

// Request defines the publish payload shared across all providers.
// Build it with NewRequest; providers treat it as read-only.
type Request struct {
	MediaURL  string
	Caption   string
	AltText   string
	IsVideo   bool
	MediaType string
}

// NewRequest fills in the defaults for the optional request fields.
func NewRequest(mediaURL, caption string, isVideo bool, mediaType, altText string) Request {
	req := Request{
		MediaURL:  strings.TrimSpace(mediaURL),
		Caption:   caption,
		AltText:   strings.TrimSpace(altText),
		IsVideo:   isVideo,
		MediaType: strings.TrimSpace(mediaType),
	}
	if req.MediaType == "" {
		if isVideo {
			req.MediaType = defaultVideoType
		} else {
			req.MediaType = defaultImageType
		}
	}
	if req.AltText == "" {
		req.AltText = caption
	}
	return req
}

// Media is the downloaded source media. A single Media value is shared by
// every provider dispatched for a request and must not be modified.
type Media struct {
	Data        []byte
	ContentType string
}

// Size returns the media length in bytes.
func (m *Media) Size() int { return len(m.Data) }

// Result is the per-platform publish outcome.
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	URI     string `json:"uri,omitempty"`
	CID     string `json:"cid,omitempty"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failure builds a failed Result from err.
func Failure(err error) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{Success: false, Error: msg}
}

// Publisher abstracts a social network that can publish fetched media.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, req Request, media *Media) (Result, error)
}
