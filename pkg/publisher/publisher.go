// Package publisher implements the outbound path of a chat message: local
// echo, persistence over the pull channel, then a best-effort announcement on
// the live channel.
package publisher

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
	"github.com/go-go-golems/chatsync/pkg/livechannel"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/transcript"
)

// EchoSink is the transcript owner. Echo must not return before the echo is
// visible to readers.
type EchoSink interface {
	Echo(ctx context.Context, author, text string) (uint64, error)
	Confirm(ctx context.Context, localID uint64, created transcript.Incoming)
	Rollback(ctx context.Context, localID uint64)
}

type Persister interface {
	PostMessage(ctx context.Context, author, text string) (transcript.Incoming, error)
}

type Announcer interface {
	Send(ctx context.Context, out livechannel.Outbound) error
}

type Result struct {
	LocalID uint64
	// Message is the persisted message as reported by the server. ServerID is
	// empty when the server did not return one.
	Message transcript.Incoming
	// AnnounceErr is set when persistence succeeded but the live announcement
	// did not go out. The message is still stored.
	AnnounceErr error
}

type Publisher struct {
	sink      EchoSink
	persister Persister
	announcer Announcer
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
}

type Option func(*Publisher)

// WithRateLimit bounds submissions per second. A zero rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Publisher) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func New(sink EchoSink, persister Persister, announcer Announcer, opts ...Option) *Publisher {
	p := &Publisher{
		sink:      sink,
		persister: persister,
		announcer: announcer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit publishes text as author.
//
// Blank text is rejected before anything happens. Otherwise the message is
// echoed locally, persisted, and on success announced to other clients. If
// persistence fails the echo is rolled back and the error returned.
func (p *Publisher) Submit(ctx context.Context, author, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, &chaterrors.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if strings.TrimSpace(author) == "" {
		return Result{}, &chaterrors.ValidationError{Field: "author", Reason: "must not be empty"}
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{}, errors.Wrap(err, "submit rate limit")
		}
	}

	localID, err := p.sink.Echo(ctx, author, text)
	if err != nil {
		return Result{}, errors.Wrap(err, "echo")
	}
	res := Result{LocalID: localID}

	created, err := p.persister.PostMessage(ctx, author, text)
	if err != nil {
		p.sink.Rollback(ctx, localID)
		log.Warn().Err(err).Str("component", "publisher").Uint64("local_id", localID).Msg("persist failed, echo rolled back")
		return res, err
	}
	res.Message = created
	p.sink.Confirm(ctx, localID, created)

	if p.announcer == nil {
		return res, nil
	}
	out := livechannel.Outbound{ServerID: created.ServerID, Author: author, Text: text}
	if err := p.announcer.Send(ctx, out); err != nil {
		p.metrics.AnnounceFailed()
		log.Warn().Err(err).Str("component", "publisher").Uint64("local_id", localID).Str("server_id", created.ServerID).Msg("announce failed, message is persisted")
		res.AnnounceErr = err
	}
	return res, nil
}
