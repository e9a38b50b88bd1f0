// Package fanout publishes one fetched media item to several platforms in
// parallel and aggregates the per-platform results.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blacktop/xpost/internal/logutil"
	"github.com/blacktop/xpost/internal/metrics"
	"github.com/blacktop/xpost/internal/xpost"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
)

// TargetAll selects every configured platform.
const TargetAll = "all"

const (
	defaultTripAfter   = 5
	defaultOpenTimeout = time.Minute
)

// ErrUnknownTarget is returned for a target that names no configured platform.
var ErrUnknownTarget = errors.New("unknown target")

// Fetcher downloads the source media.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*xpost.Media, error)
}

// Status summarises an Outcome.
type Status string

const (
	StatusAllSuccess Status = "all-success"
	StatusPartial    Status = "partial-success"
	StatusAllFailed  Status = "all-failed"
)

// Outcome holds exactly one Result per dispatched platform.
type Outcome struct {
	Results map[string]xpost.Result
	Status  Status
}

// HTTPStatus maps the outcome onto the response code: 200 when everything
// succeeded, 207 for a mixed multi-platform outcome, 500 otherwise.
func (o Outcome) HTTPStatus() int {
	switch {
	case o.Status == StatusAllSuccess:
		return http.StatusOK
	case o.Status == StatusPartial && len(o.Results) > 1:
		return http.StatusMultiStatus
	}
	return http.StatusInternalServerError
}

func summarise(results map[string]xpost.Result) Status {
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	switch {
	case len(results) > 0 && ok == len(results):
		return StatusAllSuccess
	case ok > 0:
		return StatusPartial
	}
	return StatusAllFailed
}

// Dispatcher fans a request out to the configured publishers.
type Dispatcher struct {
	fetcher    Fetcher
	publishers map[string]xpost.Publisher
	breakers   map[string]*gobreaker.CircuitBreaker[xpost.Result]
	names      []string

	tripAfter   uint32
	openTimeout time.Duration
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithCircuitBreaker sets how many consecutive failures open a platform's
// breaker and how long it stays open.
func WithCircuitBreaker(tripAfter uint32, openTimeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.tripAfter = tripAfter
		d.openTimeout = openTimeout
	}
}

// New builds a dispatcher over the given publishers, keyed by Name().
func New(fetcher Fetcher, publishers []xpost.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		fetcher:     fetcher,
		publishers:  make(map[string]xpost.Publisher, len(publishers)),
		breakers:    make(map[string]*gobreaker.CircuitBreaker[xpost.Result], len(publishers)),
		tripAfter:   defaultTripAfter,
		openTimeout: defaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, p := range publishers {
		name := p.Name()
		d.publishers[name] = p
		d.breakers[name] = d.newBreaker(name)
		d.names = append(d.names, name)
	}
	sort.Strings(d.names)
	return d
}

func (d *Dispatcher) newBreaker(name string) *gobreaker.CircuitBreaker[xpost.Result] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker[xpost.Result](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     d.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= d.tripAfter
		},
		IsSuccessful: countsAsHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logutil.Warnf("circuit breaker %s: %s -> %s", name, from, to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// countsAsHealthy reports whether err leaves the platform's breaker closed.
// Rejected media and missing or refused credentials are answered by a
// reachable platform, and the caller must keep seeing those errors.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	var (
		procErr    xpost.ProcessingError
		authErr    xpost.AuthError
		missingErr xpost.MissingEnvError
	)
	return errors.As(err, &procErr) || errors.As(err, &authErr) || errors.As(err, &missingErr)
}

// Platforms lists the configured platform names in sorted order.
func (d *Dispatcher) Platforms() []string {
	return append([]string(nil), d.names...)
}

// Targets resolves a route target ("all" or one platform name).
func (d *Dispatcher) Targets(target string) ([]string, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == TargetAll {
		return d.Platforms(), nil
	}
	if _, ok := d.publishers[target]; ok {
		return []string{target}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownTarget, target)
}

// Publish fetches the media once and publishes it to every target
// concurrently. It always returns one Result per target; one platform's
// failure never cancels another.
func (d *Dispatcher) Publish(ctx context.Context, req xpost.Request, targets []string) Outcome {
	publishID := uuid.NewString()
	logger := logutil.With("publish_id", publishID)
	logger.Info("publish started", "targets", strings.Join(targets, ","), "video", req.IsVideo, "media_url", req.MediaURL)

	results := make(map[string]xpost.Result, len(targets))

	media, err := d.fetcher.Fetch(ctx, req.MediaURL)
	if err != nil {
		logger.Error("media download failed", "err", err)
		failure := xpost.Result{Success: false, Error: "media download failed: " + err.Error()}
		for _, t := range targets {
			results[t] = failure
		}
		return Outcome{Results: results, Status: summarise(results)}
	}
	logger.Debug("media fetched", "bytes", media.Size(), "content_type", media.ContentType)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, target := range targets {
		g.Go(func() error {
			res := d.publishOne(ctx, target, req, media)
			mu.Lock()
			results[target] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	outcome := Outcome{Results: results, Status: summarise(results)}
	logger.Info("publish finished", "status", outcome.Status)
	return outcome
}

func (d *Dispatcher) publishOne(ctx context.Context, name string, req xpost.Request, media *xpost.Media) (res xpost.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logutil.Errorf("%s publisher panicked: %v\n%s", name, r, debug.Stack())
			res = xpost.Failure(xpost.UploadError{Provider: name, Err: fmt.Errorf("panic: %v", r)})
		}
		metrics.RecordPublish(name, res.Success, time.Since(start))
	}()

	pub, ok := d.publishers[name]
	if !ok {
		return xpost.Failure(fmt.Errorf("%w %q", ErrUnknownTarget, name))
	}

	res, err := d.breakers[name].Execute(func() (xpost.Result, error) {
		return pub.Publish(ctx, req, media)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = xpost.UploadError{Provider: name, Step: "circuit breaker", Err: err}
		}
		err = xpost.Classify(name, err)
		logutil.Errorf("%s publish failed: %v", name, err)
		return xpost.Failure(err)
	}
	res.Success = true
	res.Error = ""
	return res
}
