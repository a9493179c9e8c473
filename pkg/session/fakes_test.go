package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-go-golems/chatsync/pkg/livechannel"
	"github.com/go-go-golems/chatsync/pkg/transcript"
)

type fakeAPI struct {
	mu         sync.Mutex
	history    []transcript.Incoming
	historyErr error
	fetchGate  chan struct{}
	fetches    atomic.Int32

	postResult transcript.Incoming
	postErr    error
	postGate   chan struct{}
	posts      []transcript.Incoming

	nameErr error
	names   []string
}

func (f *fakeAPI) setHistory(msgs ...transcript.Incoming) {
	f.mu.Lock()
	f.history = msgs
	f.mu.Unlock()
}

func (f *fakeAPI) FetchHistory(ctx context.Context) ([]transcript.Incoming, error) {
	f.fetches.Add(1)
	if f.fetchGate != nil {
		select {
		case <-f.fetchGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	out := make([]transcript.Incoming, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeAPI) PostMessage(ctx context.Context, author, text string) (transcript.Incoming, error) {
	if f.postGate != nil {
		select {
		case <-f.postGate:
		case <-ctx.Done():
			return transcript.Incoming{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, transcript.Incoming{Author: author, Text: text})
	if f.postErr != nil {
		return transcript.Incoming{}, f.postErr
	}
	res := f.postResult
	res.Author, res.Text = author, text
	return res, nil
}

func (f *fakeAPI) SubmitName(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return f.nameErr
}

func (f *fakeAPI) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

// fakeChannel is a live channel driven by the test.
type fakeChannel struct {
	events chan livechannel.Event

	mu      sync.Mutex
	started bool
	closed  bool
	sent    []livechannel.Outbound
	sendErr error
}

var _ livechannel.Channel = (*fakeChannel)(nil)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan livechannel.Event, 16)}
}

func (f *fakeChannel) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeChannel) Events() <-chan livechannel.Event { return f.events }

func (f *fakeChannel) Send(_ context.Context, out livechannel.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) open() { f.events <- livechannel.Event{Kind: livechannel.Opened} }
func (f *fakeChannel) drop() { f.events <- livechannel.Event{Kind: livechannel.Closed} }
func (f *fakeChannel) lose() {
	f.events <- livechannel.Event{Kind: livechannel.Closed, Retrying: true}
}
func (f *fakeChannel) refresh() {
	f.events <- livechannel.Event{Kind: livechannel.Notified}
}
func (f *fakeChannel) notify(in transcript.Incoming) {
	f.events <- livechannel.Event{Kind: livechannel.Notified, Notification: livechannel.Notification{Message: &in}}
}

func startSession(t *testing.T, api API, ch livechannel.Channel, opts ...Option) *Session {
	t.Helper()
	s := New(api, ch, opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type entry struct {
	Author string
	Text   string
	Origin transcript.Origin
}

func entries(tr transcript.Transcript) []entry {
	out := make([]entry, 0, len(tr))
	for _, m := range tr {
		out = append(out, entry{Author: m.Author, Text: m.Text, Origin: m.Origin})
	}
	return out
}
