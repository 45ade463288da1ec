package telemetry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chemist-sh/chemist/internal/model"
	"github.com/chemist-sh/chemist/internal/repository"
)

// ErrorSink is handed decoded telemetry "error" frames, routed to the
// Investigator per §4.6 ("a telemetry error implicating a flask" triggers
// investigation the same way a persistently failing distribute call does).
// An interface rather than a direct *investigator.Investigator dependency
// to keep this package out of the investigator/sharding/lifecycle chain.
type ErrorSink interface {
	Suspect(flaskID model.FlaskId, reason error)
}

// Dialer opens the telemetry connection for a flask. Defaults to net.Dial;
// overridable in tests.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Subscriber is the Telemetry subscriber component (§4.5): a long-running
// fan-in maintaining one connection per Active flask, opened and closed in
// lockstep with Repository change notifications.
type Subscriber struct {
	repo        *repository.Repository
	errs        ErrorSink
	log         *zap.Logger
	dial        Dialer
	funnelPort  int
	dialTimeout time.Duration

	mu      sync.Mutex
	streams map[model.FlaskId]context.CancelFunc
}

// New builds a Subscriber. funnelPort is network.funnel-port from config,
// the default telemetry port for discovered flasks.
func New(repo *repository.Repository, errs ErrorSink, log *zap.Logger, funnelPort int) *Subscriber {
	return &Subscriber{
		repo:        repo,
		errs:        errs,
		log:         log,
		dial:        defaultDialer,
		funnelPort:  funnelPort,
		dialTimeout: 5 * time.Second,
		streams:     make(map[model.FlaskId]context.CancelFunc),
	}
}

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Run watches Repository change notifications for the lifetime of ctx,
// opening a stream for every newly Active flask and closing one for every
// flask no longer Active, per §4.5.
func (s *Subscriber) Run(ctx context.Context) {
	notifications := s.repo.SubscribeChanges()
	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case _, ok := <-notifications:
			if !ok {
				s.closeAll()
				return
			}
			s.reconcile(ctx)
		}
	}
}

// reconcile diffs the set of open streams against the current snapshot's
// Active flasks, opening and closing as needed. Idempotent.
func (s *Subscriber) reconcile(ctx context.Context) {
	snap := s.repo.Snapshot()
	active := make(map[model.FlaskId]model.Flask, len(snap.Flasks))
	for id, f := range snap.Flasks {
		if f.Eligible() {
			active[id] = f
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, f := range active {
		if _, open := s.streams[id]; open {
			continue
		}
		streamCtx, cancel := context.WithCancel(ctx)
		s.streams[id] = cancel
		go s.stream(streamCtx, f)
	}
	for id, cancel := range s.streams {
		if _, stillActive := active[id]; !stillActive {
			cancel()
			delete(s.streams, id)
		}
	}
}

func (s *Subscriber) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.streams {
		cancel()
		delete(s.streams, id)
	}
}

// stream owns one flask's telemetry connection for the lifetime of ctx,
// reconnecting with a short fixed delay on transient failure. Exits
// silently when ctx is cancelled (flask Terminated or subscriber shutting
// down).
func (s *Subscriber) stream(ctx context.Context, f model.Flask) {
	addr := fmt.Sprintf("%s:%d", f.Location.Host, s.funnelPort)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.consumeOnce(ctx, f.ID, addr); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("telemetry stream interrupted, retrying", zap.String("flask", string(f.ID)), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (s *Subscriber) consumeOnce(ctx context.Context, flaskID model.FlaskId, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, err := s.dial(dialCtx, addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		frame, payload, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		s.dispatch(ctx, flaskID, frame, payload)
	}
}

// dispatch demuxes one decoded frame by topic per §6. Parsing failures are
// logged and the frame dropped; they never tear down the stream.
func (s *Subscriber) dispatch(ctx context.Context, flaskID model.FlaskId, frame Frame, payload []byte) {
	switch frame.Topic {
	case topicKey:
		key, err := decodeKey(payload)
		if err != nil {
			s.log.Warn("dropping unparseable key frame", zap.String("flask", string(flaskID)), zap.Error(err))
			return
		}
		fresh, err := s.repo.RecordKeys(ctx, flaskID, []model.Key{key})
		if err != nil {
			s.log.Warn("failed to record telemetry key", zap.String("flask", string(flaskID)), zap.Error(err))
			return
		}
		for _, k := range fresh {
			s.log.Info("new telemetry key observed", zap.String("flask", string(flaskID)), zap.String("key", k.Name))
		}
	case topicError:
		names, err := decodeErrorNames(payload)
		if err != nil {
			s.log.Warn("dropping unparseable error frame", zap.String("flask", string(flaskID)), zap.Error(err))
			return
		}
		s.log.Warn("telemetry error frame implicates flask",
			zap.String("flask", string(flaskID)), zap.String("mine", names.Mine), zap.String("kind", names.Kind), zap.String("theirs", names.Theirs))
		s.errs.Suspect(flaskID, fmt.Errorf("telemetry error: %s/%s/%s", names.Mine, names.Kind, names.Theirs))
	default:
		s.log.Warn("dropping telemetry frame with unknown topic", zap.String("flask", string(flaskID)), zap.String("topic", frame.Topic))
	}
}
