// Command paymentsvc runs a demo payment service with the wide event
// pipeline wired in: every handler is wrapped by the interceptor, finalized
// events flow to Mongo directly or through the Redis-backed bus depending on
// STORAGE_TYPE and MQ_ENABLED, and SIGINT/SIGTERM drain the pipeline before
// exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/debug"
	"goa.design/clue/log"

	"goa.design/widelog"
	"goa.design/widelog/config"
	"goa.design/widelog/runtime/intercept"
)

func main() {
	var (
		httpPortF = flag.String("http-port", "8080", "HTTP listen port")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *httpPortF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, port string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	opts := widelog.Options{Config: cfg, FilePath: "widelog.ndjson"}

	if cfg.StorageType != config.StorageFile {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "mongo disconnect")
			}
		}()
		// The store is the pipeline's last resort; fail hard when it is
		// unreachable at boot.
		if err := mc.Ping(cctx, readpref.Primary()); err != nil {
			return fmt.Errorf("ping mongo: %w", err)
		}
		opts.Mongo = mc
	}

	if cfg.MQEnabled || cfg.StorageType == config.StorageBus {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.MQBrokerAddr})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "redis close")
			}
		}()
		opts.Redis = rdb
	}

	sys, err := widelog.New(opts)
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}
	if err := sys.Pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	mux := http.NewServeMux()
	mount(sys, mux)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           debug.HTTP()(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("signal: %s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: server.Addr})
		errc <- server.ListenAndServe()
	}()

	log.Print(ctx, log.KV{K: "exiting", V: <-errc})

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "server shutdown")
	}
	if err := sys.Pipeline.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "pipeline shutdown")
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
	return nil
}

// mount registers the demo handlers with their logging metadata and wires
// the interception middleware.
func mount(sys *widelog.System, mux *http.ServeMux) {
	sys.Registry.Register("payments.create", intercept.Metadata{
		Service:       "payments",
		RouteTemplate: "/payments",
		User:          &intercept.UserConfig{IDPath: "body.userId", RolePath: "body.userRole"},
		RequestMeta:   &intercept.MetaConfig{Paths: []string{"body.amount", "body.currency"}},
		ResponseMeta:  &intercept.MetaConfig{Paths: []string{"orderId"}},
		SamplingHint:  intercept.HintCritical,
	})
	mux.Handle("POST /payments", sys.Interceptor.Middleware("payments.create")(http.HandlerFunc(createPayment)))

	sys.Registry.Register("auth.login", intercept.Metadata{
		Service:       "auth",
		RouteTemplate: "/login",
		RequestMeta:   &intercept.MetaConfig{Paths: []string{"body.username", "body.password"}},
	})
	mux.Handle("POST /login", sys.Interceptor.Middleware("auth.login")(http.HandlerFunc(login)))

	sys.Registry.Register("health", intercept.Metadata{NoLog: true})
	mux.Handle("GET /healthz", sys.Interceptor.Middleware("health")(http.HandlerFunc(healthz)))
}
