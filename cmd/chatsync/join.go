package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/chatapi"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/livechannel"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/transcript"
)

func newJoinCommand() *cobra.Command {
	var name, metricsAddr string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the chat, print the transcript and send stdin lines as messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, cfg, name, metricsAddr, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Name to join as")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runJoin(ctx context.Context, cfg config.Config, name, metricsAddr string, in io.Reader, out io.Writer) error {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return errors.Wrap(err, "register metrics")
	}

	api, err := chatapi.New(cfg.Server.BaseURL, chatapi.WithTimeout(cfg.HTTP.Timeout))
	if err != nil {
		return err
	}
	live, err := newLiveChannel(ctx, cfg)
	if err != nil {
		return err
	}

	printer := newTranscriptPrinter(out)
	s := session.New(api, live,
		session.WithMetrics(m),
		session.WithEngine(transcript.NewEngine(transcript.WithEchoWindow(cfg.Sync.EchoWindow))),
		session.WithRefreshStrategy(cfg.Sync.RefreshStrategy),
		session.WithRateLimit(cfg.Submit.Rate, cfg.Submit.Burst),
		session.WithUpdateHandler(printer.update),
	)
	defer func() { _ = s.Close() }()

	if err := s.Start(ctx); err != nil {
		return err
	}
	if err := s.SubmitName(ctx, name); err != nil {
		return errors.Wrap(err, "submit name")
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Str("addr", metricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-gctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errStdinClosed
				}
				res, err := s.Submit(gctx, line)
				if err != nil {
					log.Warn().Err(err).Msg("message not sent")
					continue
				}
				if res.AnnounceErr != nil {
					log.Debug().Err(res.AnnounceErr).Msg("message stored but not announced")
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStdinClosed) {
		return err
	}
	return nil
}

var errStdinClosed = errors.New("stdin closed")

func newLiveChannel(ctx context.Context, cfg config.Config) (livechannel.Channel, error) {
	switch cfg.Live.Transport {
	case config.TransportRedis:
		return livechannel.NewRedisChannel(ctx, cfg.Live.Redis)
	default:
		u, err := cfg.LiveURL()
		if err != nil {
			return nil, err
		}
		r := cfg.Live.Reconnect
		return livechannel.NewWSChannel(u, livechannel.WithReconnect(livechannel.ReconnectPolicy{
			Enabled:         r.Enabled,
			InitialInterval: r.InitialInterval,
			MaxInterval:     r.MaxInterval,
			MaxAttempts:     r.MaxAttempts,
		})), nil
	}
}

// transcriptPrinter prints each confirmed message once, keyed by local id.
type transcriptPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[uint64]struct{}
	state   session.State
}

func newTranscriptPrinter(w io.Writer) *transcriptPrinter {
	return &transcriptPrinter{w: w, printed: map[uint64]struct{}{}, state: session.Disconnected}
}

func (p *transcriptPrinter) update(u session.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.State != p.state {
		p.state = u.State
		_, _ = fmt.Fprintf(p.w, "-- %s\n", u.State)
	}
	for _, m := range u.Transcript {
		if m.IsPending() {
			continue
		}
		if _, ok := p.printed[m.LocalID]; ok {
			continue
		}
		p.printed[m.LocalID] = struct{}{}
		_, _ = fmt.Fprintf(p.w, "%s: %s\n", m.Author, m.Text)
	}
}
