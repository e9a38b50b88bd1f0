package bluesky

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pdsServer struct {
	*httptest.Server
	blobType string
	blobBody []byte
	record   map[string]any
	aud      string
	lxm      string
	exp      string
}

func newPDSServer(t *testing.T) *pdsServer {
	t.Helper()
	ps := &pdsServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Identifier string `json:"identifier"`
			Password   string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in.Password != "app-password" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"AuthenticationRequired","message":"Invalid identifier or password"}`)
			return
		}
		_, _ = io.WriteString(w, `{"accessJwt":"access","refreshJwt":"refresh","handle":"`+in.Identifier+`","did":"did:plc:me"}`)
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.uploadBlob", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		ps.blobType = r.Header.Get("Content-Type")
		ps.blobBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"blob":{"$type":"blob","ref":{"$link":"`+testCID+`"},"mimeType":"`+ps.blobType+`","size":3}}`)
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ps.record))
		_, _ = io.WriteString(w, `{"uri":"at://did:plc:me/app.bsky.feed.post/3kabc","cid":"bafyreib"}`)
	})
	mux.HandleFunc("/xrpc/com.atproto.server.getServiceAuth", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ps.aud, ps.lxm, ps.exp = q.Get("aud"), q.Get("lxm"), q.Get("exp")
		_, _ = io.WriteString(w, `{"token":"svc-token"}`)
	})
	mux.HandleFunc("/xrpc/com.atproto.identity.resolveHandle", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("handle") != "alice.bsky.social" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"InvalidRequest","message":"Unable to resolve handle"}`)
			return
		}
		_, _ = io.WriteString(w, `{"did":"did:plc:alice"}`)
	})

	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Close)
	return ps
}

func TestXRPCAPI(t *testing.T) {
	ps := newPDSServer(t)
	ctx := context.Background()

	api, err := newXRPCAPI(ctx, Config{Identifier: "me.test", Password: "app-password", Service: ps.URL})
	require.NoError(t, err)
	assert.Equal(t, "did:plc:me", api.DID())

	did, err := api.ResolveHandle(ctx, "alice.bsky.social")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", did)
	_, err = api.ResolveHandle(ctx, "ghost.example")
	assert.Error(t, err)

	blob, err := api.UploadBlob(ctx, []byte("png"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ps.blobType, "blob upload must carry the MIME type")
	assert.Equal(t, []byte("png"), ps.blobBody)
	assert.Equal(t, "image/png", blob.MimeType)

	exp := time.Unix(1740830400, 0)
	token, err := api.ServiceAuth(ctx, "did:web:pds.example.com", uploadBlobMethod, exp)
	require.NoError(t, err)
	assert.Equal(t, "svc-token", token)
	assert.Equal(t, "did:web:pds.example.com", ps.aud)
	assert.Equal(t, "com.atproto.repo.uploadBlob", ps.lxm)
	assert.Equal(t, "1740830400", ps.exp)

	uri, cid, err := api.CreatePost(ctx, &bsky.FeedPost{
		LexiconTypeID: collectionFeedPost,
		Text:          "hello",
		CreatedAt:     "2025-03-01T12:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:me/app.bsky.feed.post/3kabc", uri)
	assert.Equal(t, "bafyreib", cid)
	assert.Equal(t, "app.bsky.feed.post", ps.record["collection"])
	assert.Equal(t, "did:plc:me", ps.record["repo"])
}

func TestUploadBlobExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.repo.uploadBlob", r.URL.Path)
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"ExpiredToken","message":"Token has expired"}`)
	}))
	defer srv.Close()

	api := &xrpcAPI{
		client: &xrpc.Client{Host: srv.URL, Auth: &xrpc.AuthInfo{AccessJwt: "stale", Did: "did:plc:me"}},
		blobs:  srv.Client(),
	}
	_, err := api.UploadBlob(context.Background(), []byte("jpeg"), "image/jpeg")
	require.Error(t, err)
	assert.True(t, isAuthFailure(err))
	assert.Contains(t, err.Error(), "Token has expired")
}

func TestXRPCAPILoginRejected(t *testing.T) {
	ps := newPDSServer(t)
	_, err := newXRPCAPI(context.Background(), Config{Identifier: "me.test", Password: "wrong", Service: ps.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login")
}

func TestIsAuthFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "wrapped 401", err: fmt.Errorf("upload blob: %w", &xrpc.Error{StatusCode: http.StatusUnauthorized}), want: true},
		{name: "xrpc invalid token", err: &xrpc.Error{StatusCode: http.StatusBadRequest, Wrapped: &xrpc.XRPCError{ErrStr: "InvalidToken"}}, want: true},
		{name: "xrpc bad request", err: &xrpc.Error{StatusCode: http.StatusBadRequest, Wrapped: &xrpc.XRPCError{ErrStr: "InvalidRequest"}}, want: false},
		{name: "xrpc 401", err: &xrpc.Error{StatusCode: http.StatusUnauthorized}, want: true},
		{name: "xrpc expired", err: &xrpc.Error{StatusCode: http.StatusBadRequest, Wrapped: &xrpc.XRPCError{ErrStr: "ExpiredToken"}}, want: true},
		{name: "xrpc other", err: &xrpc.Error{StatusCode: http.StatusInternalServerError}, want: false},
		{name: "plain", err: errors.New("connection reset"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isAuthFailure(tt.err))
		})
	}
}

func TestHostOf(t *testing.T) {
	host, err := hostOf("https://morel.us-east.host.bsky.network")
	require.NoError(t, err)
	assert.Equal(t, "morel.us-east.host.bsky.network", host)

	_, err = hostOf("")
	assert.Error(t, err)
	_, err = hostOf("not a url")
	assert.Error(t, err)
}
