// Package server exposes the publish pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/blacktop/xpost/internal/xpost"
	"github.com/blacktop/xpost/internal/xpost/fanout"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 30 * time.Second
)

// Dispatcher resolves targets and publishes to them.
type Dispatcher interface {
	Targets(target string) ([]string, error)
	Publish(ctx context.Context, req xpost.Request, targets []string) fanout.Outcome
}

// PublishRequest is the POST /post/{target} body.
type PublishRequest struct {
	MediaURL  string `json:"mediaUrl" validate:"required,url"`
	Caption   string `json:"caption"`
	IsVideo   bool   `json:"isVideo"`
	MediaType string `json:"mediaType" validate:"omitempty,max=255,contains=/"`
	AltText   string `json:"altText" validate:"max=2000"`
}

// ErrorResponse is the body of every non-publish error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Server holds the HTTP handlers.
type Server struct {
	dispatcher Dispatcher
	apiKey     string
	validate   *validator.Validate
	now        func() time.Time
}

// New returns a server that authenticates publish calls against apiKey.
func New(dispatcher Dispatcher, apiKey string) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		dispatcher: dispatcher,
		apiKey:     apiKey,
		validate:   v,
		now:        time.Now,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(s.apiKey))
		r.Use(middleware.RequestSize(maxBodySize))
		r.Post("/post/{target}", s.handlePublish)
	})

	return r
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logutil.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logutil.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: s.now().UTC()})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	targets, err := s.dispatcher.Targets(chi.URLParam(r, "target"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	var body PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logutil.Debugf("decode publish request: %v", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: validationMessage(err)})
		return
	}

	req := xpost.NewRequest(body.MediaURL, body.Caption, body.IsVideo, body.MediaType, body.AltText)

	// a client hanging up must not abandon half-finished platform uploads
	ctx := context.WithoutCancel(r.Context())
	outcome := s.dispatcher.Publish(ctx, req, targets)

	writeJSON(w, outcome.HTTPStatus(), outcome.Results)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "url":
			msgs = append(msgs, fe.Field()+" must be a valid URL")
		case "max":
			msgs = append(msgs, fe.Field()+" must be at most "+fe.Param()+" characters")
		case "contains":
			msgs = append(msgs, fe.Field()+" must be a MIME type")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logutil.Errorf("encode response: %v", err)
	}
}
