package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/xpost/internal/xpost"
	"github.com/blacktop/xpost/internal/xpost/fanout"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Targets(target string) ([]string, error) {
	args := m.Called(target)
	targets, _ := args.Get(0).([]string)
	return targets, args.Error(1)
}

func (m *mockDispatcher) Publish(ctx context.Context, req xpost.Request, targets []string) fanout.Outcome {
	args := m.Called(ctx, req, targets)
	return args.Get(0).(fanout.Outcome)
}

const testKey = "s3cret"

func newTestServer(d Dispatcher, key string) http.Handler {
	s := New(d, key)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s.Routes()
}

func post(t *testing.T, h http.Handler, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := newTestServer(&mockDispatcher{}, "")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","timestamp":"2025-03-01T12:00:00Z"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&mockDispatcher{}, "")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "xpost_http_requests_total")
}

func TestPublishBothPlatformsSucceed(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Targets", "all").Return([]string{"bluesky", "twitter"}, nil)
	want := xpost.NewRequest("https://cdn.example/a.jpg", "hello #world", false, "", "")
	d.On("Publish", mock.Anything, want, []string{"bluesky", "twitter"}).Return(fanout.Outcome{
		Results: map[string]xpost.Result{
			"twitter": {Success: true, ID: "1850000000000000000"},
			"bluesky": {Success: true, URI: "at://did:plc:me/app.bsky.feed.post/3k", CID: "bafyrecord"},
		},
		Status: fanout.StatusAllSuccess,
	})

	w := post(t, newTestServer(d, testKey), "/post/all", testKey,
		`{"mediaUrl":"https://cdn.example/a.jpg","caption":"hello #world"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"twitter": {"success": true, "id": "1850000000000000000"},
		"bluesky": {"success": true, "uri": "at://did:plc:me/app.bsky.feed.post/3k", "cid": "bafyrecord"}
	}`, w.Body.String())
	d.AssertExpectations(t)
}

func TestPublishPartialSuccess(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Targets", "all").Return([]string{"bluesky", "twitter"}, nil)
	d.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(fanout.Outcome{
		Results: map[string]xpost.Result{
			"twitter": {Success: true, ID: "1"},
			"bluesky": {Success: false, Error: "bluesky upload blob: 413 Payload Too Large"},
		},
		Status: fanout.StatusPartial,
	})

	w := post(t, newTestServer(d, testKey), "/post/all", testKey, `{"mediaUrl":"https://cdn.example/a.jpg"}`)

	assert.Equal(t, http.StatusMultiStatus, w.Code)
	var got map[string]xpost.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got["bluesky"].Success)
	assert.Equal(t, "bluesky upload blob: 413 Payload Too Large", got["bluesky"].Error)
}

func TestPublishSingleTargetFailure(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Targets", "twitter").Return([]string{"twitter"}, nil)
	d.On("Publish", mock.Anything, mock.Anything, []string{"twitter"}).Return(fanout.Outcome{
		Results: map[string]xpost.Result{"twitter": {Success: false, Error: "media download failed: boom"}},
		Status:  fanout.StatusAllFailed,
	})

	w := post(t, newTestServer(d, testKey), "/post/twitter", testKey, `{"mediaUrl":"https://cdn.example/a.mp4","isVideo":true}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"twitter":{"success":false,"error":"media download failed: boom"}}`, w.Body.String())
}

func TestPublishPassesVideoFields(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Targets", "bluesky").Return([]string{"bluesky"}, nil)
	d.On("Publish", mock.Anything, mock.MatchedBy(func(req xpost.Request) bool {
		return req.IsVideo && req.MediaType == "video/quicktime" && req.AltText == "a clip" && req.Caption == "new"
	}), []string{"bluesky"}).Return(fanout.Outcome{
		Results: map[string]xpost.Result{"bluesky": {Success: true}},
		Status:  fanout.StatusAllSuccess,
	})

	w := post(t, newTestServer(d, testKey), "/post/bluesky", testKey,
		`{"mediaUrl":"https://cdn.example/a.mov","caption":"new","isVideo":true,"mediaType":"video/quicktime","altText":"a clip"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	d.AssertExpectations(t)
}

func TestPublishAuth(t *testing.T) {
	tests := []struct {
		name      string
		serverKey string
		sentKey   string
		want      int
	}{
		{name: "missing header", serverKey: testKey, sentKey: "", want: http.StatusUnauthorized},
		{name: "wrong key", serverKey: testKey, sentKey: "s3cres", want: http.StatusUnauthorized},
		{name: "prefix of key", serverKey: testKey, sentKey: "s3c", want: http.StatusUnauthorized},
		{name: "server key unset", serverKey: "", sentKey: "anything", want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{}
			w := post(t, newTestServer(d, tt.serverKey), "/post/all", tt.sentKey, `{"mediaUrl":"https://cdn.example/a.jpg"}`)
			assert.Equal(t, tt.want, w.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			d.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPublishValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing mediaUrl", body: `{"caption":"x"}`, want: "mediaUrl is required"},
		{name: "not a url", body: `{"mediaUrl":"not a url"}`, want: "mediaUrl must be a valid URL"},
		{name: "bad media type", body: `{"mediaUrl":"https://cdn.example/a","mediaType":"jpeg"}`, want: "mediaType must be a MIME type"},
		{name: "malformed json", body: `{"mediaUrl":`, want: "invalid JSON body"},
		{name: "wrong type", body: `{"mediaUrl":"https://cdn.example/a","isVideo":"yes"}`, want: "invalid JSON body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDispatcher{}
			d.On("Targets", "all").Return([]string{"bluesky", "twitter"}, nil)

			w := post(t, newTestServer(d, testKey), "/post/all", testKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Error)
			d.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPublishUnknownTarget(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Targets", "mastodon").Return(nil, fanout.ErrUnknownTarget)

	w := post(t, newTestServer(d, testKey), "/post/mastodon", testKey, `{"mediaUrl":"https://cdn.example/a.jpg"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	d.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublishSurvivesClientDisconnect(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Targets", "twitter").Return([]string{"twitter"}, nil)
	d.On("Publish", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything, mock.Anything).
		Return(fanout.Outcome{Results: map[string]xpost.Result{"twitter": {Success: true}}, Status: fanout.StatusAllSuccess})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/post/twitter", strings.NewReader(`{"mediaUrl":"https://cdn.example/a.jpg"}`)).WithContext(ctx)
	req.Header.Set(APIKeyHeader, testKey)
	w := httptest.NewRecorder()
	newTestServer(d, testKey).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	d.AssertExpectations(t)
}
