package sharding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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
	defaultWorkers    = 16
	maxDistributeTry  = 3
	monitorAdminRoute = "/monitor"
	dropAdminRoute    = "/monitor"
)

// InvestigationTrigger is how the Sharding engine hands a persistently
// unreachable flask off for health investigation, without the sharding
// package needing to import the investigator package.
type InvestigationTrigger interface {
	Suspect(flaskID model.FlaskId, reason error)
}

// Engine runs locateAndAssignDistribution and the HTTP distribute side
// effect over a bounded worker pool, fixed-size rather than load-adaptive:
// rebalancing here is driven by flask population changes, not by
// request-latency feedback, so an AIMD-style controller does not apply
// (see DESIGN.md).
type Engine struct {
	repo     *repository.Repository
	strategy Strategy
	client   *http.Client
	trigger  InvestigationTrigger
	log      *zap.Logger

	jobs    chan job
	workers int
	wg      sync.WaitGroup
	quit    chan struct{}

	backoff backoffx.Schedule
}

type job struct {
	flaskID model.FlaskId
	flask   model.Flask
	targets []model.Target
	errc    chan error
}

// Config configures an Engine.
type Config struct {
	Workers        int
	CommandTimeout time.Duration
}

// NewEngine builds and starts an Engine with the given strategy.
func NewEngine(repo *repository.Repository, strategy Strategy, trigger InvestigationTrigger, log *zap.Logger, cfg Config) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	e := &Engine{
		repo:     repo,
		strategy: strategy,
		client:   &http.Client{Timeout: timeout},
		trigger:  trigger,
		log:      log,
		jobs:     make(chan job, 1024),
		workers:  workers,
		quit:     make(chan struct{}),
		backoff:  backoffx.NewSchedule(100*time.Millisecond, 5*time.Second),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Stop halts the worker pool and waits for in-flight deliveries to finish.
// Jobs still queued are not delivered.
func (e *Engine) Stop() {
	close(e.quit)
	e.wg.Wait()
}

// LocateAndAssignDistribution is the pure placement step; exposed on the
// Engine for callers that already hold a Snapshot.
func (e *Engine) LocateAndAssignDistribution(newTargets []model.Target, snap *repository.Snapshot) map[model.FlaskId][]model.Target {
	return LocateAndAssignDistribution(e.strategy, newTargets, snap)
}

// Distribute issues one HTTP POST per (flask, targets) pair in delta and
// waits for all of them to finish. A flask that exhausts its retries is
// handed to the InvestigationTrigger; the first AssignmentRejected or
// FlaskUnreachable error collected is returned to the caller (the
// Lifecycle interpreter), which logs it per the §7 error policy.
func (e *Engine) Distribute(ctx context.Context, delta map[model.FlaskId][]model.Target) error {
	if len(delta) == 0 {
		return nil
	}
	snap := e.repo.Snapshot()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var first error
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if first == nil {
			first = err
		}
		mu.Unlock()
	}

	for fid, targets := range delta {
		flask, ok := snap.Flasks[fid]
		if !ok {
			continue
		}
		resultc := make(chan error, 1)
		j := job{flaskID: fid, flask: flask, targets: targets, errc: resultc}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case e.jobs <- j:
			case <-e.quit:
				record(chemerr.ErrShutdownRequested)
				return
			case <-ctx.Done():
				record(ctx.Err())
				return
			}
			select {
			case err := <-resultc:
				record(err)
			case <-ctx.Done():
				record(ctx.Err())
			}
		}()
	}
	wg.Wait()
	return first
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			j.errc <- e.deliver(j)
		}
	}
}

func (e *Engine) deliver(j job) error {
	url := adminURL(j.flask.Location, monitorAdminRoute)
	body, err := json.Marshal(targetPayload(j.targets))
	if err != nil {
		return fmt.Errorf("encoding distribute payload for %s: %w", j.flaskID, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxDistributeTry; attempt++ {
		if attempt > 0 {
			time.Sleep(e.backoff.Delay(attempt - 1))
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building distribute request for %s: %w", j.flaskID, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s: %v", chemerr.ErrFlaskUnreachable, j.flaskID, err)
			continue
		}
		status := resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case status >= 200 && status < 300:
			return nil
		case status >= 400 && status < 500:
			return fmt.Errorf("%w: flask %s rejected assignment with status %d", chemerr.ErrAssignmentRejected, j.flaskID, status)
		default:
			lastErr = fmt.Errorf("%w: flask %s returned status %d", chemerr.ErrFlaskUnreachable, j.flaskID, status)
		}
	}

	e.log.Warn("flask failed to accept distribution after retries, escalating to investigation",
		zap.String("flask", string(j.flaskID)), zap.Error(lastErr))
	if e.trigger != nil {
		e.trigger.Suspect(j.flaskID, lastErr)
	}
	return lastErr
}

// DropTarget instructs a flask to stop monitoring a single target, used
// by the Lifecycle interpreter on Terminate(target).
func (e *Engine) DropTarget(ctx context.Context, flaskID model.FlaskId, targetID model.TargetId) error {
	snap := e.repo.Snapshot()
	flask, ok := snap.Flasks[flaskID]
	if !ok {
		return nil
	}
	url := adminURL(flask.Location, dropAdminRoute) + "/drop"
	body, _ := json.Marshal(map[string]string{"targetId": string(targetID)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", chemerr.ErrFlaskUnreachable, flaskID, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func adminURL(loc model.Location, route string) string {
	proto := loc.Protocol
	if proto == "" {
		proto = "http"
	}
	return fmt.Sprintf("%s://%s:%d%s", proto, loc.Host, loc.Port, route)
}

func targetPayload(targets []model.Target) []map[string]any {
	out := make([]map[string]any, 0, len(targets))
	for _, t := range targets {
		out = append(out, map[string]any{
			"id":      string(t.ID),
			"cluster": t.Cluster,
			"uris":    t.URISlice(),
		})
	}
	return out
}
