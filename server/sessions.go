package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wudi/pdfdesk/observability"
	"github.com/wudi/pdfdesk/staging"
	"github.com/wudi/pdfdesk/workspace"
)

var ErrSessionNotFound = errors.New("session not found")

type session struct {
	owner string
	ws    *workspace.Workspace
}

type noticeKey struct{}

// noticeSink holds the latest notice raised while serving one request.
type noticeSink struct {
	mu   sync.Mutex
	last *workspace.Notice
}

func withNoticeSink(ctx context.Context) context.Context {
	return context.WithValue(ctx, noticeKey{}, &noticeSink{})
}

// noticeFrom returns the latest notice raised under ctx, or nil.
func noticeFrom(ctx context.Context) *workspace.Notice {
	sink, ok := ctx.Value(noticeKey{}).(*noticeSink)
	if !ok {
		return nil
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.last
}

// requestNotifier hands notices to the sink of the request that raised them
// and then to next.
type requestNotifier struct {
	next workspace.Notifier
}

func (n requestNotifier) Notify(ctx context.Context, notice workspace.Notice) {
	if sink, ok := ctx.Value(noticeKey{}).(*noticeSink); ok {
		sink.mu.Lock()
		sink.last = &notice
		sink.mu.Unlock()
	}
	n.next.Notify(ctx, notice)
}

// Sessions maps session ids to workspaces owned by a principal. Idle
// sessions are closed by Sweep.
type Sessions struct {
	proc   workspace.Processor
	ttl    time.Duration
	logger observability.Logger
	tracer observability.Tracer
	now    func() time.Time

	mu   sync.Mutex
	byID map[string]*session
}

func NewSessions(proc workspace.Processor, ttl time.Duration, logger observability.Logger, tracer observability.Tracer) *Sessions {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	return &Sessions{
		proc:   proc,
		ttl:    ttl,
		logger: logger,
		tracer: tracer,
		now:    time.Now,
		byID:   make(map[string]*session),
	}
}

func (s *Sessions) Create(owner string, mode staging.Mode) *session {
	ws := workspace.New(s.proc,
		workspace.WithMode(mode),
		workspace.WithNotifier(requestNotifier{next: workspace.LogNotifier{Logger: s.logger}}),
		workspace.WithLogger(s.logger),
		workspace.WithTracer(s.tracer))
	sess := &session{owner: owner, ws: ws}
	s.mu.Lock()
	s.byID[ws.ID()] = sess
	s.mu.Unlock()
	s.logger.Info("session created", observability.String("session", ws.ID()), observability.String("owner", owner))
	return sess
}

// Get returns the session id if owner owns it. Sessions of other owners are
// reported as missing.
func (s *Sessions) Get(owner, id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok || sess.owner != owner {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Sessions) Delete(owner, id string) error {
	s.mu.Lock()
	sess, ok := s.byID[id]
	if !ok || sess.owner != owner {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.byID, id)
	s.mu.Unlock()
	sess.ws.Close()
	return nil
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Sweep closes sessions idle for longer than the TTL and returns how many
// were closed.
func (s *Sessions) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	var expired []*session
	s.mu.Lock()
	for id, sess := range s.byID {
		if sess.ws.LastActivity().Before(cutoff) {
			expired = append(expired, sess)
			delete(s.byID, id)
		}
	}
	s.mu.Unlock()
	for _, sess := range expired {
		sess.ws.Close()
		s.logger.Debug("session expired", observability.String("session", sess.ws.ID()))
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// CloseAll closes every session.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	all := s.byID
	s.byID = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range all {
		sess.ws.Close()
	}
}
