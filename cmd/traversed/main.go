// Command traversed runs the NAT traversal coordinator: the WebSocket
// signaling endpoint, the QUIC relay, and a UDP punch responder.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/meshlace/traverse/auth"
	"github.com/meshlace/traverse/config"
	"github.com/meshlace/traverse/punch"
	"github.com/meshlace/traverse/relay"
	"github.com/meshlace/traverse/signaling"
	"github.com/meshlace/traverse/storage"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("TRAVERSE_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logrus.WithField("error", err).Fatal("Invalid configuration")
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = make([]byte, 32)
		if _, err := rand.Read(cfg.Secret); err != nil {
			logrus.WithField("error", err).Fatal("Failed to generate token secret")
		}
		logrus.Warn("No token secret configured, generated an ephemeral one")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		logrus.WithField("error", err).Fatal("Traversal daemon failed")
	}
	logrus.Info("Traversal daemon stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	issuer := auth.NewIssuer(cfg.Secret, cfg.HolePunchTimeout)
	store := storage.NewMemorySessionStore()

	coordinator := signaling.NewCoordinator(issuer, store, cfg.SessionTTL)
	wsServer := signaling.NewServer(coordinator)

	tlsConf, err := relay.LoadTLSConfig(cfg.TLSCertPath, cfg.TLSKeyPath)
	if err != nil {
		return err
	}
	relayServer := relay.NewServer(cfg.RelayBind, tlsConf, cfg.RelayBandwidthLimit)
	coordinator.SetRelay(relayServer)

	udpConn, err := punch.ListenReusable("udp4", cfg.UDPBind)
	if err != nil {
		return err
	}
	puncher := punch.NewPuncher(udpConn, issuer)
	puncher.SetCoordinationTimeout(cfg.HolePunchTimeout)
	puncher.SetMaxAttempts(cfg.MaxPunchAttempts)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleWS)
	mux.HandleFunc("/v1/sessions", wsServer.HandleCreateSession)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpServer := &http.Server{
		Addr:              cfg.SignalBind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.WithField("bind", cfg.SignalBind).Info("Signaling server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return relayServer.Run(ctx)
	})

	g.Go(func() error {
		logrus.WithField("bind", puncher.LocalAddr().String()).Info("Punch responder listening")
		return puncher.Serve(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return puncher.Close()
	})

	g.Go(func() error {
		coordinator.RunSweeper(ctx)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
