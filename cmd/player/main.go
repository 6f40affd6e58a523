package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	"wrts/internal/core/services"
	"wrts/internal/infrastructure/cmaf"
	"wrts/internal/infrastructure/monitoring"
	"wrts/internal/infrastructure/rts"
	"wrts/internal/infrastructure/sink"
	"wrts/internal/infrastructure/transport"
	"wrts/pkg/auth"
	"wrts/pkg/config"
	"wrts/pkg/logger"
	"wrts/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "configuration file")
	endpoint := flag.String("url", "", "stream endpoint")
	mode := flag.String("mode", "adaptive", "source mode: adaptive, ws or direct")
	dumpDir := flag.String("dump", "", "directory receiving CMAF segments")
	flag.Parse()

	if *endpoint == "" {
		log.Fatal("missing -url")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zlog.Sync()
	slog := zlog.Sugar()

	if cfg.Auth.AccessToken != "" {
		info, err := auth.Inspect(cfg.Auth.AccessToken)
		if err != nil {
			slog.Fatalw("access token", "error", err)
		}
		if info.Expired(time.Now()) {
			slog.Fatalw("access token expired", "expired_at", info.ExpiresAt)
		}
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "wrts",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		slog.Fatalw("tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

	var collector ports.Collector = ports.NopCollector{}
	if cfg.Monitoring.Enabled {
		collector = monitoring.NewPrometheusCollector()
	}

	env := &ports.StaticEnvironment{
		Max:          domain.Resolution{Width: cfg.Player.MaxWidth, Height: cfg.Player.MaxHeight},
		Managed:      cfg.Player.ManagedMedia,
		NoRateChange: cfg.Player.FixedRate,
	}

	mediaSink := sink.NewHeadless(*dumpDir, slog)
	player := services.NewPlayer(mediaSink, cmaf.Factory(slog), env, collector, services.PlayerConfig{
		BufferLow:   int64(cfg.Player.BufferLow),
		BufferHigh:  int64(cfg.Player.BufferHigh),
		IdleTimeout: cfg.Player.IdleTimeout,
		Reliable:    cfg.Player.Reliable,
	}, slog)

	tr := transport.NewHTTPTransport(transport.Config{
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		HeaderTimeout:  cfg.Transport.HeaderTimeout,
		AccessToken:    cfg.Auth.AccessToken,
	})
	demux := rts.Factory(slog)

	var cmcdMode services.CMCDMode
	switch cfg.Source.CMCD {
	case "query":
		cmcdMode = services.CMCDQuery
	case "headers":
		cmcdMode = services.CMCDHeaders
	}
	cmcd := services.NewCMCD(cmcdMode, cfg.Source.CMCDFull, cfg.Source.ContentID)

	var src services.MediaSource
	switch {
	case *mode == "ws" || strings.HasPrefix(*endpoint, "ws"):
		src = services.NewWSSource(transport.NewWSDialer(cfg.Transport.ConnectTimeout), demux, collector, slog)
	case *mode == "direct":
		src = services.NewHTTPDirectSource(tr, demux, collector, slog)
	default:
		src = services.NewHTTPAdaptiveSource(tr, env, demux, collector, services.HTTPAdaptiveConfig{
			MediaExt:  cfg.Player.MediaExt,
			PreloadMs: player.MiddleThreshold(),
			CMCD:      cmcd,
		}, slog)
	}

	src.SetTracks(services.TrackSelection{
		Audio: cfg.Source.AudioTrack,
		Video: cfg.Source.VideoTrack,
	})

	if cfg.Monitoring.Enabled {
		go serveStatus(cfg.Monitoring.Address, player, slog)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	player.OnStop = func(err error) {
		done <- err
	}

	slog.Infow("starting", "endpoint", *endpoint, "mode", *mode, "session", cmcd.SessionID())
	player.Start(ctx, src, *endpoint, url.Values{})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		slog.Infow("signal received, stopping", "signal", s.String())
		player.Stop()
		<-done
	case err := <-done:
		if err != nil {
			slog.Errorw("session ended", "error", err)
			os.Exit(1)
		}
		slog.Infow("session ended")
	}
}

// serveStatus exposes health, the player snapshot and prometheus metrics.
func serveStatus(addr string, player *services.Player, slog *zap.SugaredLogger) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, player.Snapshot())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if err := r.Run(addr); err != nil {
		slog.Errorw("status server", "error", err)
	}
}
