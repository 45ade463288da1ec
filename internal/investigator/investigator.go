// Package investigator re-probes a flask suspected dead with exponential
// back-off, confirming recovery or declaring loss.
package investigator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/backoffx"
	"github.com/chemist-sh/chemist/internal/chemerr"
	"github.com/chemist-sh/chemist/internal/model"
	"github.com/chemist-sh/chemist/internal/repository"
)

const (
	defaultMaxRetries = 11
	defaultBase       = 500 * time.Millisecond
	defaultCap        = 2 * time.Minute
)

// Prober checks a flask's health endpoint. HTTPProber is the production
// implementation; CloudWatchProber is folded in as a secondary signal.
type Prober interface {
	Probe(ctx context.Context, f model.Flask) error
}

// TerminateSynthesizer routes a synthesized Terminate event for a flask
// back to the Lifecycle interpreter, reusing its rebalancing path. This
// is an interface (not a direct *lifecycle.Interpreter dependency) so the
// investigator package never imports lifecycle, which already imports
// sharding — keeping the dependency graph a DAG rooted at repository.
type TerminateSynthesizer interface {
	SynthesizeTerminate(ctx context.Context, flaskID model.FlaskId)
}

// Investigator is the §4.6 component.
type Investigator struct {
	repo    *repository.Repository
	prober  Prober
	sink    TerminateSynthesizer
	log     *zap.Logger
	backoff backoffx.Schedule
	maxTry  int

	mu       sync.Mutex
	inFlight map[model.FlaskId]struct{}
}

// Config configures an Investigator.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// New builds an Investigator.
func New(repo *repository.Repository, prober Prober, sink TerminateSynthesizer, log *zap.Logger, cfg Config) *Investigator {
	maxTry := cfg.MaxRetries
	if maxTry <= 0 {
		maxTry = defaultMaxRetries
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBase
	}
	cap := cfg.BackoffCap
	if cap <= 0 {
		cap = defaultCap
	}
	return &Investigator{
		repo:     repo,
		prober:   prober,
		sink:     sink,
		log:      log,
		backoff:  backoffx.NewSchedule(base, cap),
		maxTry:   maxTry,
		inFlight: make(map[model.FlaskId]struct{}),
	}
}

// Suspect implements sharding.InvestigationTrigger: a persistently failing
// distribute call hands the flask here for investigation. Idempotent: a
// flask already under investigation is not re-launched.
func (inv *Investigator) Suspect(flaskID model.FlaskId, reason error) {
	if !inv.claim(flaskID) {
		return
	}
	inv.log.Info("investigation started", zap.String("flask", string(flaskID)), zap.Error(reason))
	go inv.run(context.Background(), flaskID)
}

func (inv *Investigator) claim(flaskID model.FlaskId) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.inFlight[flaskID]; ok {
		return false
	}
	inv.inFlight[flaskID] = struct{}{}
	return true
}

func (inv *Investigator) release(flaskID model.FlaskId) {
	inv.mu.Lock()
	delete(inv.inFlight, flaskID)
	inv.mu.Unlock()
}

// run executes the bounded, jittered back-off probe schedule for one
// flask, one task per flask under investigation per §5's scheduling
// model. On success the flask returns to Active with the Repository
// otherwise unchanged; on exhaustion a Terminate event is synthesized.
func (inv *Investigator) run(ctx context.Context, flaskID model.FlaskId) {
	defer inv.release(flaskID)

	if err := inv.repo.SetFlaskState(ctx, flaskID, model.FlaskInvestigating); err != nil {
		inv.log.Warn("could not mark flask investigating", zap.String("flask", string(flaskID)), zap.Error(err))
		return
	}

	snap := inv.repo.Snapshot()
	flask, ok := snap.Flasks[flaskID]
	if !ok {
		return
	}

	for attempt := 0; attempt < inv.maxTry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(inv.backoff.Delay(attempt - 1)):
			}
		}
		if err := inv.prober.Probe(ctx, flask); err == nil {
			if err := inv.repo.SetFlaskState(ctx, flaskID, model.FlaskActive); err != nil {
				inv.log.Warn("could not restore flask to active", zap.String("flask", string(flaskID)), zap.Error(err))
			}
			inv.log.Info("investigation confirmed recovery", zap.String("flask", string(flaskID)), zap.Int("attempt", attempt))
			return
		}
	}

	inv.log.Warn("investigation exhausted, synthesizing terminate",
		zap.String("flask", string(flaskID)), zap.Int("maxRetries", inv.maxTry),
		zap.Error(fmt.Errorf("%w: flask %s", chemerr.ErrInvestigationExhausted, flaskID)))
	inv.sink.SynthesizeTerminate(ctx, flaskID)
}

// HTTPProber probes a flask's admin health endpoint over HTTP.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber builds an HTTPProber with the given command timeout.
func NewHTTPProber(timeout time.Duration, path string) *HTTPProber {
	if path == "" {
		path = "/health"
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}, path: path}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, f model.Flask) error {
	url := fmt.Sprintf("%s://%s:%d%s", protoOr(f.Location.Protocol), f.Location.Host, f.Location.Port, p.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", chemerr.ErrFlaskUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: health check returned %d", chemerr.ErrFlaskUnreachable, resp.StatusCode)
	}
	return nil
}

func protoOr(p string) string {
	if p == "" {
		return "http"
	}
	return p
}
