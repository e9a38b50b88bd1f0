package twitter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/michimani/gotwi"
	"github.com/michimani/gotwi/media/upload"
	uploadtypes "github.com/michimani/gotwi/media/upload/types"
	"github.com/michimani/gotwi/resources"
	"github.com/michimani/gotwi/tweet/managetweet"
	managetweettypes "github.com/michimani/gotwi/tweet/managetweet/types"
)

const (
	simpleUploadEndpoint = "https://upload.twitter.com/1.1/media/upload.json"
	statusEndpoint       = "https://api.x.com/2/media/upload"
	metadataEndpoint     = "https://upload.twitter.com/1.1/media/metadata/create.json"
)

var httpTimeout = 60 * time.Second

// gotwiAPI signs every call with OAuth 1.0a through gotwi. gotwi computes a
// fresh nonce, timestamp and signature for each request it sends.
type gotwiAPI struct {
	api *gotwi.Client
}

func newGotwiAPI(cfg Config) (*gotwiAPI, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client, err := gotwi.NewClient(&gotwi.NewClientInput{
		HTTPClient:           &http.Client{Timeout: httpTimeout},
		AuthenticationMethod: gotwi.AuthenMethodOAuth1UserContext,
		OAuthToken:           cfg.AccessToken,
		OAuthTokenSecret:     cfg.AccessSecret,
		APIKey:               cfg.APIKey,
		APIKeySecret:         cfg.APISecret,
		Debug:                logutil.Verbose(),
	})
	if err != nil {
		return nil, fmt.Errorf("create X client: %w", err)
	}
	if !client.IsReady() {
		return nil, fmt.Errorf("twitter client not ready")
	}
	return &gotwiAPI{api: client}, nil
}

func (g *gotwiAPI) UploadSimple(ctx context.Context, data []byte, category string) (string, error) {
	params := &simpleUploadParameters{
		mediaData: base64.StdEncoding.EncodeToString(data),
		category:  category,
	}
	ctx = context.WithValue(ctx, "Content-Type", "application/x-www-form-urlencoded")

	res := &simpleUploadResponse{}
	if err := g.api.CallAPI(ctx, simpleUploadEndpoint, http.MethodPost, params, res); err != nil {
		return "", unwrapGotwiError(err)
	}
	if res.MediaIDString == "" {
		return "", errors.New("upload response missing media_id_string")
	}
	return res.MediaIDString, nil
}

func (g *gotwiAPI) Initialize(ctx context.Context, totalBytes int, mediaType, category string) (string, error) {
	res, err := upload.Initialize(ctx, g.api, &uploadtypes.InitializeInput{
		MediaType:     uploadtypes.MediaType(mediaType),
		TotalBytes:    totalBytes,
		MediaCategory: uploadtypes.MediaCategory(category),
	})
	if err != nil {
		return "", unwrapGotwiError(err)
	}
	if err := partialError(res.Errors); err != nil {
		return "", err
	}
	return res.Data.MediaID, nil
}

func (g *gotwiAPI) Append(ctx context.Context, mediaID string, segment int, data []byte) error {
	in := &uploadtypes.AppendInput{
		MediaID:      mediaID,
		Media:        bytes.NewReader(data),
		SegmentIndex: segment,
	}
	in.GenerateBoundary()

	res, err := upload.Append(ctx, g.api, in)
	if err != nil {
		return unwrapGotwiError(err)
	}
	return partialError(res.Errors)
}

func (g *gotwiAPI) Finalize(ctx context.Context, mediaID string) (*processingInfo, error) {
	res, err := upload.Finalize(ctx, g.api, &uploadtypes.FinalizeInput{MediaID: mediaID})
	if err != nil {
		return nil, unwrapGotwiError(err)
	}
	if err := partialError(res.Errors); err != nil {
		return nil, err
	}
	pi := res.Data.ProcessingInfo
	return &processingInfo{
		State:          string(pi.State),
		CheckAfterSecs: int(pi.CheckAfterSecs),
	}, nil
}

func (g *gotwiAPI) Status(ctx context.Context, mediaID string) (*processingInfo, error) {
	params := &statusParameters{mediaID: mediaID}
	res := &statusResponse{}
	if err := g.api.CallAPI(ctx, statusEndpoint, http.MethodGet, params, res); err != nil {
		return nil, unwrapGotwiError(err)
	}
	if err := partialError(res.Errors); err != nil {
		return nil, err
	}
	if res.Data.ProcessingInfo == nil {
		return &processingInfo{State: stateSucceeded}, nil
	}
	pi := res.Data.ProcessingInfo
	info := &processingInfo{
		State:          pi.State,
		CheckAfterSecs: pi.CheckAfterSecs,
		Progress:       pi.ProgressPercent,
	}
	if pi.Error != nil {
		info.Error = pi.Error.String()
	}
	return info, nil
}

func (g *gotwiAPI) SetAltText(ctx context.Context, mediaID, altText string) error {
	params := &metadataParameters{
		mediaID: mediaID,
		altText: altText,
	}

	ctx = context.WithValue(ctx, "Content-Type", "application/json;charset=UTF-8")

	if err := g.api.CallAPI(ctx, metadataEndpoint, http.MethodPost, params, &metadataResponse{}); err != nil {
		return fmt.Errorf("set alt text: %w", unwrapGotwiError(err))
	}
	logutil.Debugf("alt text set: media_id=%s", mediaID)

	return nil
}

func (g *gotwiAPI) CreateTweet(ctx context.Context, text string, mediaIDs []string) (string, error) {
	input := &managetweettypes.CreateInput{
		Text: gotwi.String(text),
	}
	if len(mediaIDs) > 0 {
		input.Media = &managetweettypes.CreateInputMedia{MediaIDs: mediaIDs}
	}

	res, err := managetweet.Create(ctx, g.api, input)
	if err != nil {
		return "", unwrapGotwiError(err)
	}
	id := gotwi.StringValue(res.Data.ID)
	if id == "" {
		return "", errors.New("create tweet response missing id")
	}
	return id, nil
}

func partialError(partials []resources.PartialError) error {
	if len(partials) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(partials))
	for _, pe := range partials {
		switch {
		case pe.Detail != nil && *pe.Detail != "":
			msgs = append(msgs, *pe.Detail)
		case pe.Title != nil && *pe.Title != "":
			msgs = append(msgs, *pe.Title)
		case pe.ResourceType != nil:
			msgs = append(msgs, fmt.Sprintf("%s", *pe.ResourceType))
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "unknown error")
	}
	return errors.New(strings.Join(msgs, "; "))
}

func unwrapGotwiError(err error) error {
	var gwErr *gotwi.GotwiError
	if errors.As(err, &gwErr) && gwErr != nil {
		return errors.New(summarizeGotwiError(gwErr))
	}
	return err
}

func summarizeGotwiError(err *gotwi.GotwiError) string {
	if err == nil {
		return "unknown X API error"
	}

	parts := make([]string, 0, 4)
	if err.Title != "" {
		parts = append(parts, err.Title)
	}
	if err.Detail != "" {
		parts = append(parts, err.Detail)
	}
	for _, apiErr := range err.APIErrors {
		if apiErr.Message != "" {
			parts = append(parts, apiErr.Message)
		}
	}
	if len(parts) == 0 {
		if msg := err.Error(); msg != "" {
			parts = append(parts, msg)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "X API request failed")
	}

	return strings.Join(parts, "; ")
}

// simpleUploadParameters is the single-shot (non-chunked) image upload.
// The form fields are part of the OAuth signature base string.
type simpleUploadParameters struct {
	mediaData   string
	category    string
	accessToken string
}

func (p *simpleUploadParameters) SetAccessToken(token string) { p.accessToken = token }

func (p *simpleUploadParameters) AccessToken() string { return p.accessToken }

func (p *simpleUploadParameters) ResolveEndpoint(endpointBase string) string { return endpointBase }

func (p *simpleUploadParameters) Body() (io.Reader, error) {
	form := url.Values{}
	for k, v := range p.ParameterMap() {
		form.Set(k, v)
	}
	return strings.NewReader(form.Encode()), nil
}

func (p *simpleUploadParameters) ParameterMap() map[string]string {
	return map[string]string{
		"media_data":     p.mediaData,
		"media_category": p.category,
	}
}

type simpleUploadResponse struct {
	MediaIDString string `json:"media_id_string"`
}

func (simpleUploadResponse) HasPartialError() bool { return false }

type statusParameters struct {
	mediaID     string
	accessToken string
}

func (p *statusParameters) SetAccessToken(token string) { p.accessToken = token }

func (p *statusParameters) AccessToken() string { return p.accessToken }

func (p *statusParameters) ResolveEndpoint(endpointBase string) string {
	q := url.Values{}
	for k, v := range p.ParameterMap() {
		q.Set(k, v)
	}
	return endpointBase + "?" + q.Encode()
}

func (p *statusParameters) Body() (io.Reader, error) { return nil, nil }

func (p *statusParameters) ParameterMap() map[string]string {
	return map[string]string{
		"command":  "STATUS",
		"media_id": p.mediaID,
	}
}

type statusError struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *statusError) String() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Name != "":
		return e.Name
	}
	return fmt.Sprintf("error code %d", e.Code)
}

type statusResponse struct {
	Data struct {
		ID             string `json:"id"`
		ProcessingInfo *struct {
			State           string       `json:"state"`
			CheckAfterSecs  int          `json:"check_after_secs"`
			ProgressPercent int          `json:"progress_percent"`
			Error           *statusError `json:"error"`
		} `json:"processing_info"`
	} `json:"data"`
	Errors []resources.PartialError `json:"errors"`
}

func (r *statusResponse) HasPartialError() bool { return len(r.Errors) > 0 }

type metadataParameters struct {
	mediaID     string
	altText     string
	accessToken string
}

func (p *metadataParameters) SetAccessToken(token string) {
	p.accessToken = token
}

func (p *metadataParameters) AccessToken() string {
	return p.accessToken
}

func (p *metadataParameters) ResolveEndpoint(endpointBase string) string {
	return endpointBase
}

func (p *metadataParameters) Body() (io.Reader, error) {
	body := struct {
		MediaID string `json:"media_id"`
		AltText struct {
			Text string `json:"text"`
		} `json:"alt_text"`
	}{}
	body.MediaID = p.mediaID
	body.AltText.Text = p.altText

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}

func (p *metadataParameters) ParameterMap() map[string]string {
	return map[string]string{}
}

type metadataResponse struct{}

func (metadataResponse) HasPartialError() bool { return false }
