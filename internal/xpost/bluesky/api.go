package bluesky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
)

const (
	requestTimeout = 30 * time.Second
	blobTimeout    = 5 * time.Minute
	userAgent      = "xpost/1"

	maxErrorBody = 4 << 10
)

// xrpcAPI is a logged-in PDS account session.
type xrpcAPI struct {
	client *xrpc.Client
	blobs  *http.Client
}

func newXRPCAPI(ctx context.Context, cfg Config) (*xrpcAPI, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ua := userAgent
	xrpcClient := &xrpc.Client{
		Client:    &http.Client{Timeout: requestTimeout},
		Host:      cfg.Service,
		UserAgent: &ua,
	}

	session, err := atproto.ServerCreateSession(ctx, xrpcClient, &atproto.ServerCreateSession_Input{
		Identifier: cfg.Identifier,
		Password:   cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	xrpcClient.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}
	logutil.Debugf("bluesky login ok: handle=%s did=%s", session.Handle, session.Did)

	return &xrpcAPI{
		client: xrpcClient,
		blobs:  &http.Client{Timeout: blobTimeout},
	}, nil
}

func (a *xrpcAPI) DID() string { return a.client.Auth.Did }

func (a *xrpcAPI) ResolveHandle(ctx context.Context, handle string) (string, error) {
	out, err := atproto.IdentityResolveHandle(ctx, a.client, handle)
	if err != nil {
		return "", err
	}
	return out.Did, nil
}

// UploadBlob posts the raw bytes tagged with their MIME type. The generated
// RepoUploadBlob always sends "*/*", which leaves the PDS to sniff the type.
func (a *xrpcAPI) UploadBlob(ctx context.Context, data []byte, mimeType string) (*util.LexBlob, error) {
	client := *a.client
	client.Client = a.blobs

	var out atproto.RepoUploadBlob_Output
	if err := client.Do(ctx, xrpc.Procedure, mimeType, uploadBlobMethod, nil, bytes.NewReader(data), &out); err != nil {
		return nil, err
	}
	if out.Blob == nil {
		return nil, errors.New("upload blob: empty response")
	}
	return out.Blob, nil
}

func (a *xrpcAPI) ServiceAuth(ctx context.Context, audience, method string, expires time.Time) (string, error) {
	out, err := atproto.ServerGetServiceAuth(ctx, a.client, audience, expires.Unix(), method)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

func (a *xrpcAPI) CreatePost(ctx context.Context, post *bsky.FeedPost) (string, string, error) {
	out, err := atproto.RepoCreateRecord(ctx, a.client, &atproto.RepoCreateRecord_Input{
		Collection: collectionFeedPost,
		Repo:       a.client.Auth.Did,
		Record: &util.LexiconTypeDecoder{
			Val: post,
		},
	})
	if err != nil {
		return "", "", err
	}
	return out.Uri, out.Cid, nil
}

// directoryResolver resolves DIDs through the default identity directory
// (PLC for did:plc, .well-known for did:web) with its built-in cache.
type directoryResolver struct {
	dir identity.Directory
}

func newDirectoryResolver() *directoryResolver {
	return &directoryResolver{dir: identity.DefaultDirectory()}
}

func (r *directoryResolver) PDSHost(ctx context.Context, did string) (string, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return "", fmt.Errorf("parse did: %w", err)
	}
	ident, err := r.dir.LookupDID(ctx, parsed)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", did, err)
	}
	return hostOf(ident.PDSEndpoint())
}

func hostOf(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("DID document has no PDS endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse PDS endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("PDS endpoint %q has no host", endpoint)
	}
	return u.Host, nil
}

// isAuthFailure reports whether err means the PDS no longer accepts the
// session tokens.
func isAuthFailure(err error) bool {
	var xe *xrpc.Error
	if errors.As(err, &xe) {
		if xe.StatusCode == http.StatusUnauthorized {
			return true
		}
		var inner *xrpc.XRPCError
		if errors.As(xe.Wrapped, &inner) && isTokenError(inner.ErrStr) {
			return true
		}
	}
	return false
}

func isTokenError(name string) bool {
	return name == "ExpiredToken" || name == "InvalidToken"
}
