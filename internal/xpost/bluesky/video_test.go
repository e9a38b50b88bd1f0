package bluesky

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCID = "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku"

func TestVideoUpload(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/xrpc/app.bsky.video.uploadVideo", r.URL.Path)
		assert.Equal(t, "did:plc:me", r.URL.Query().Get("did"))
		assert.Equal(t, "clip.mp4", r.URL.Query().Get("name"))
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		assert.Equal(t, "video/mp4", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"did":"did:plc:me","jobId":"job-1","state":"JOB_STATE_CREATED"}`)
	}))
	defer srv.Close()

	v := newVideoClient(srv.URL, srv.Client())
	st, err := v.Upload(context.Background(), "svc-token", "did:plc:me", "clip.mp4", "video/mp4", []byte("video-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", st.JobId)
	assert.Equal(t, "JOB_STATE_CREATED", st.State)
	assert.Equal(t, []byte("video-bytes"), gotBody)
}

func TestVideoUploadWrappedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jobStatus":{"did":"did:plc:me","jobId":"job-2","state":"JOB_STATE_CREATED"}}`)
	}))
	defer srv.Close()

	v := newVideoClient(srv.URL, srv.Client())
	st, err := v.Upload(context.Background(), "t", "did:plc:me", "a.mp4", "video/mp4", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "job-2", st.JobId)
}

func TestVideoUploadConflictCarriesJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":"already_exists","message":"Video already processed","jobId":"job-old"}`)
	}))
	defer srv.Close()

	v := newVideoClient(srv.URL, srv.Client())
	st, err := v.Upload(context.Background(), "t", "did:plc:me", "a.mp4", "video/mp4", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "job-old", st.JobId)
	assert.Equal(t, "did:plc:me", st.Did)

	_, done, err := jobOutcome(st)
	assert.False(t, done)
	assert.NoError(t, err)
}

func TestVideoUploadErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "conflict without job", status: http.StatusConflict, body: `{"error":"already_exists"}`, want: "409: already_exists"},
		{name: "xrpc error", status: http.StatusBadRequest, body: `{"error":"InvalidRequest","message":"daily limit"}`, want: "400: InvalidRequest: daily limit"},
		{name: "plain text", status: http.StatusBadGateway, body: "upstream down\n", want: "XRPC ERROR 502"},
		{name: "success without job", status: http.StatusOK, body: `{"state":"JOB_STATE_CREATED"}`, want: "missing jobId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			v := newVideoClient(srv.URL, srv.Client())
			_, err := v.Upload(context.Background(), "t", "did:plc:me", "a.mp4", "video/mp4", []byte("x"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVideoJobStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/xrpc/app.bsky.video.getJobStatus", r.URL.Path)
		assert.Equal(t, "job-1", r.URL.Query().Get("jobId"))
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"jobStatus":{"jobId":"job-1","did":"did:plc:me","state":"JOB_STATE_COMPLETED","progress":100,`+
			`"blob":{"$type":"blob","ref":{"$link":"`+testCID+`"},"mimeType":"video/mp4","size":1234}}}`)
	}))
	defer srv.Close()

	v := newVideoClient(srv.URL, srv.Client())
	st, err := v.JobStatus(context.Background(), "svc-token", "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobStateCompleted, st.State)
	assert.Equal(t, int64(100), jobProgress(st))

	blob, done, err := jobOutcome(st)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "video/mp4", blob.MimeType)
	assert.Equal(t, int64(1234), blob.Size)
	assert.Equal(t, testCID, blob.Ref.String())
}

func TestVideoJobStatusRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"InvalidToken","message":"bad service token"}`)
	}))
	defer srv.Close()

	v := newVideoClient(srv.URL, srv.Client())
	_, err := v.JobStatus(context.Background(), "svc-token", "job-1")
	require.Error(t, err)
	assert.True(t, isAuthFailure(err))
}

func TestJobStatusFailureMessage(t *testing.T) {
	assert.Equal(t, "boom", jobFailure(&bsky.VideoDefs_JobStatus{State: jobStateFailed, Error: strPtr("boom"), Message: strPtr("ignored")}))
	assert.Equal(t, "details", jobFailure(&bsky.VideoDefs_JobStatus{State: jobStateFailed, Error: strPtr(""), Message: strPtr("details")}))
	assert.Equal(t, "unknown error", jobFailure(&bsky.VideoDefs_JobStatus{State: jobStateFailed}))

	_, done, err := jobOutcome(&bsky.VideoDefs_JobStatus{State: jobStateCompleted})
	assert.False(t, done)
	assert.Error(t, err, "a completed job must carry a blob")

	_, done, err = jobOutcome(&bsky.VideoDefs_JobStatus{State: "JOB_STATE_ENCODING", Progress: int64Ptr(50)})
	assert.False(t, done)
	assert.NoError(t, err)
}
