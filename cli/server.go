package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"github.com/coder/serpent"

	"github.com/pixelplace/pixeld/buildinfo"
	"github.com/pixelplace/pixeld/pixeld"
	"github.com/pixelplace/pixeld/pixeld/canvas"
	"github.com/pixelplace/pixeld/pixeld/pubsub"
)

func serverCommand() *serpent.Command {
	var (
		address         string
		redisURL        string
		canvasesPath    string
		shardName       string
		clusterEnabled  bool
		captchaEnforced bool
		origins         []string
		verbose         bool
	)
	cmd := &serpent.Command{
		Use:   "server",
		Short: "Run a pixeld shard",
		Options: serpent.OptionSet{
			{
				Flag:        "address",
				Env:         "PIXELD_ADDRESS",
				Description: "HTTP listen address.",
				Default:     "127.0.0.1:8080",
				Value:       serpent.StringOf(&address),
			},
			{
				Flag:        "redis-url",
				Env:         "PIXELD_REDIS_URL",
				Description: "URL of the shared Redis.",
				Default:     "redis://localhost:6379",
				Value:       serpent.StringOf(&redisURL),
			},
			{
				Flag:        "canvases",
				Env:         "PIXELD_CANVASES",
				Description: "Path to the canvas descriptor file.",
				Default:     "canvases.json",
				Value:       serpent.StringOf(&canvasesPath),
			},
			{
				Flag:        "shard-name",
				Env:         "PIXELD_SHARD_NAME",
				Description: "Name of this shard on the cluster channels. Defaults to hostname and pid.",
				Value:       serpent.StringOf(&shardName),
			},
			{
				Flag:        "cluster",
				Env:         "PIXELD_CLUSTER",
				Description: "Mirror events to peer shards through Redis pubsub.",
				Value:       serpent.BoolOf(&clusterEnabled),
			},
			{
				Flag:        "enforce-captcha",
				Env:         "PIXELD_ENFORCE_CAPTCHA",
				Description: "Require a solved captcha before placing pixels.",
				Value:       serpent.BoolOf(&captchaEnforced),
			},
			{
				Flag:        "origin",
				Env:         "PIXELD_ORIGINS",
				Description: "Allowed websocket origin patterns. Empty restricts to same-origin.",
				Value:       serpent.StringArrayOf(&origins),
			},
			{
				Flag:          "verbose",
				FlagShorthand: "v",
				Env:           "PIXELD_VERBOSE",
				Description:   "Enable debug logging.",
				Value:         serpent.BoolOf(&verbose),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.Make(sloghuman.Sink(inv.Stderr))
			if verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			redisOpts, err := redis.ParseURL(redisURL)
			if err != nil {
				return xerrors.Errorf("parse redis url: %w", err)
			}
			client := redis.NewClient(redisOpts)
			defer client.Close()

			pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
			err = client.Ping(pingCtx).Err()
			cancelPing()
			if err != nil {
				return xerrors.Errorf("ping redis: %w", err)
			}

			canvases, err := canvas.Load(canvasesPath)
			if err != nil {
				return xerrors.Errorf("load canvases: %w", err)
			}

			opts := pixeld.Options{
				Logger:          logger,
				Canvases:        canvases,
				RedisClient:     client,
				ShardName:       shardName,
				CaptchaEnforced: captchaEnforced,
				OriginPatterns:  origins,
			}
			if clusterEnabled {
				ps := pubsub.NewRedis(ctx, logger.Named("pubsub"), client)
				defer ps.Close()
				opts.ClusterPubsub = ps
			}

			srv, err := pixeld.New(ctx, opts)
			if err != nil {
				return xerrors.Errorf("start pixeld: %w", err)
			}
			defer srv.Close()

			httpServer := &http.Server{
				Addr:              address,
				Handler:           srv.Handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			logger.Info(ctx, "listening",
				slog.F("version", buildinfo.Version()),
				slog.F("address", address),
				slog.F("cluster", clusterEnabled),
				slog.F("canvases", len(canvases.IDs())))
			err = httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return xerrors.Errorf("serve http: %w", err)
			}
			return nil
		},
	}
	return cmd
}
