package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
	"github.com/go-go-golems/chatsync/pkg/livechannel"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/transcript"
)

// recorder plays every collaborator and logs calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string

	nextID     uint64
	confirmed  map[uint64]transcript.Incoming
	rolledBack []uint64
	announced  []livechannel.Outbound

	postResult  transcript.Incoming
	postErr     error
	announceErr error
}

func newRecorder() *recorder {
	return &recorder{confirmed: map[uint64]transcript.Incoming{}}
}

func (r *recorder) log(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) Echo(_ context.Context, author, text string) (uint64, error) {
	r.log("echo")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID, nil
}

func (r *recorder) Confirm(_ context.Context, localID uint64, created transcript.Incoming) {
	r.log("confirm")
	r.mu.Lock()
	r.confirmed[localID] = created
	r.mu.Unlock()
}

func (r *recorder) Rollback(_ context.Context, localID uint64) {
	r.log("rollback")
	r.mu.Lock()
	r.rolledBack = append(r.rolledBack, localID)
	r.mu.Unlock()
}

func (r *recorder) PostMessage(_ context.Context, author, text string) (transcript.Incoming, error) {
	r.log("post")
	if r.postErr != nil {
		return transcript.Incoming{}, r.postErr
	}
	res := r.postResult
	res.Author, res.Text = author, text
	return res, nil
}

func (r *recorder) Send(_ context.Context, out livechannel.Outbound) error {
	r.log("send")
	if r.announceErr != nil {
		return r.announceErr
	}
	r.mu.Lock()
	r.announced = append(r.announced, out)
	r.mu.Unlock()
	return nil
}

func TestSubmit_EchoPersistConfirmAnnounce(t *testing.T) {
	r := newRecorder()
	r.postResult = transcript.Incoming{ServerID: "42"}
	p := New(r, r, r)

	res, err := p.Submit(context.Background(), "alice", "hello")
	require.NoError(t, err)
	require.NoError(t, res.AnnounceErr)
	require.Equal(t, uint64(1), res.LocalID)
	require.Equal(t, "42", res.Message.ServerID)
	require.Equal(t, []string{"echo", "post", "confirm", "send"}, r.calls)
	require.Equal(t, transcript.Incoming{ServerID: "42", Author: "alice", Text: "hello"}, r.confirmed[1])
	require.Equal(t, []livechannel.Outbound{{ServerID: "42", Author: "alice", Text: "hello"}}, r.announced)
}

func TestSubmit_RejectsBlankText(t *testing.T) {
	r := newRecorder()
	p := New(r, r, r)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := p.Submit(context.Background(), "alice", text)
		require.True(t, chaterrors.IsValidation(err))
	}
	require.Empty(t, r.calls)
}

func TestSubmit_PersistFailureRollsBack(t *testing.T) {
	r := newRecorder()
	r.postErr = &chaterrors.ServerError{Op: "post message", Status: 500}
	p := New(r, r, r)

	res, err := p.Submit(context.Background(), "alice", "hello")
	require.True(t, chaterrors.IsServer(err))
	require.Equal(t, uint64(1), res.LocalID)
	require.Equal(t, []string{"echo", "post", "rollback"}, r.calls)
	require.Equal(t, []uint64{1}, r.rolledBack)
	require.Empty(t, r.confirmed)
}

func TestSubmit_AnnounceFailureIsNotFatal(t *testing.T) {
	r := newRecorder()
	r.announceErr = &chaterrors.SendError{Reason: "channel not open"}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	p := New(r, r, r, WithMetrics(m))

	res, err := p.Submit(context.Background(), "alice", "hello")
	require.NoError(t, err)
	require.True(t, chaterrors.IsSend(res.AnnounceErr))
	require.Equal(t, []string{"echo", "post", "confirm", "send"}, r.calls)
	require.Empty(t, r.rolledBack)
	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "chatsync_announce_failures_total" {
			found = true
			require.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	require.True(t, found)
}

func TestSubmit_WithoutAnnouncer(t *testing.T) {
	r := newRecorder()
	p := New(r, r, nil)

	_, err := p.Submit(context.Background(), "alice", "hello")
	require.NoError(t, err)
	require.Equal(t, []string{"echo", "post", "confirm"}, r.calls)
}

func TestSubmit_RateLimited(t *testing.T) {
	r := newRecorder()
	p := New(r, r, r, WithRateLimit(1, 1))

	_, err := p.Submit(context.Background(), "alice", "one")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Submit(ctx, "alice", "two")
	require.Error(t, err)
	require.False(t, chaterrors.IsValidation(err))
	// nothing echoed for the rejected submission
	require.Equal(t, []string{"echo", "post", "confirm", "send"}, r.calls)
}

func TestSubmit_EchoFailureStopsEarly(t *testing.T) {
	r := newRecorder()
	p := New(failingSink{}, r, r)

	_, err := p.Submit(context.Background(), "alice", "hello")
	require.Error(t, err)
	require.Empty(t, r.calls)
}

type failingSink struct{}

func (failingSink) Echo(context.Context, string, string) (uint64, error) {
	return 0, errors.New("session closed")
}

func (failingSink) Confirm(context.Context, uint64, transcript.Incoming) {}

func (failingSink) Rollback(context.Context, uint64) {}
