package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/chattest"
)

func newFakeServerCommand() *cobra.Command {
	var (
		addr      string
		broadcast string
		noIDs     bool
		noRelay   bool
	)
	cmd := &cobra.Command{
		Use:   "fake-server",
		Short: "Run an in-memory chat server for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseBroadcastMode(broadcast)
			if err != nil {
				return err
			}
			opts := []chattest.Option{chattest.WithBroadcast(mode), chattest.WithRelay(!noRelay, true)}
			if noIDs {
				opts = append(opts, chattest.WithoutIDs())
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveFake(ctx, addr, chattest.New(opts...))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":3001", "Listen address")
	cmd.Flags().StringVar(&broadcast, "broadcast", "none", "Server-side fan-out after a post: none, payload or marker")
	cmd.Flags().BoolVar(&noIDs, "no-ids", false, "Omit message ids from responses and broadcasts")
	cmd.Flags().BoolVar(&noRelay, "no-relay", false, "Do not relay client announcements")
	return cmd
}

func parseBroadcastMode(s string) (chattest.BroadcastMode, error) {
	switch s {
	case "", "none":
		return chattest.BroadcastNone, nil
	case "payload":
		return chattest.BroadcastPayload, nil
	case "marker":
		return chattest.BroadcastMarker, nil
	default:
		return 0, errors.Errorf("unknown broadcast mode %q", s)
	}
}

func serveFake(ctx context.Context, addr string, s *chattest.Server) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("fake chat server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
