package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/flow-like/substrate/internal/circuitbreaker"
	"github.com/flow-like/substrate/internal/config"
	"github.com/flow-like/substrate/internal/dispatcher"
	"github.com/flow-like/substrate/internal/domain"
	"github.com/flow-like/substrate/internal/eventsink"
	"github.com/flow-like/substrate/internal/logging"
	"github.com/flow-like/substrate/internal/metrics"
	"github.com/flow-like/substrate/internal/objectstore"
	"github.com/flow-like/substrate/internal/observability"
	"github.com/flow-like/substrate/internal/pluginhost"
	"github.com/flow-like/substrate/internal/statestore"
)

func daemonCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the substrate daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			} else {
				cfg = config.DefaultConfig()
			}
			config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(ctx)

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			blobs, err := buildObjectStore(ctx, cfg.ObjectStore)
			if err != nil {
				return fmt.Errorf("build object store: %w", err)
			}

			store, err := buildStateStore(ctx, cfg.StateStore, blobs)
			if err != nil {
				return fmt.Errorf("build state store: %w", err)
			}
			defer store.Close()

			engine, err := pluginhost.NewEngine(ctx, pluginhost.EngineConfig{
				MemoryCeilingPages: cfg.PluginHost.DefaultMemoryPages,
			})
			if err != nil {
				return fmt.Errorf("build plugin host engine: %w", err)
			}
			defer engine.Close(ctx)

			sinkMgr, regStore, webhookSink, err := buildEventSinkManager(cfg.EventSink)
			if err != nil {
				return fmt.Errorf("build event sink manager: %w", err)
			}
			defer regStore.Close()
			if err := sinkMgr.Rehydrate(ctx); err != nil {
				logging.Op().Warn("event sink rehydration failed", "error", err)
			}

			disp, err := buildDispatcher(ctx, cfg.Dispatcher)
			if err != nil {
				return fmt.Errorf("build dispatcher: %w", err)
			}

			httpServer := startHTTPServer(cfg.Daemon.HTTPAddr, store, sinkMgr, disp, webhookSink)

			logging.Op().Info("substrate daemon started",
				"http_addr", cfg.Daemon.HTTPAddr,
				"state_store_backend", cfg.StateStore.Backend,
				"object_store_backend", cfg.ObjectStore.Backend)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if httpServer != nil {
				httpServer.Shutdown(shutdownCtx)
			}
			sinkMgr.Shutdown()
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API address (overrides config)")
	return cmd
}

func buildObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return objectstore.NewS3Store(s3.NewFromConfig(awsCfg), cfg.S3Bucket), nil
	default:
		return objectstore.NewLocalStore(cfg.LocalDir)
	}
}

func buildStateStore(ctx context.Context, cfg config.StateStoreConfig, blobs objectstore.Store) (statestore.Store, error) {
	switch cfg.Backend {
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		return statestore.NewDynamoStore(client, cfg.DynamoTable+"_runs", cfg.DynamoTable+"_events", blobs), nil
	case "postgres":
		return statestore.NewPostgresStore(ctx, cfg.PostgresDSN, blobs)
	default:
		return statestore.NewSQLiteStore(cfg.SQLitePath, blobs)
	}
}

func buildEventSinkManager(cfg config.EventSinkConfig) (*eventsink.Manager, *eventsink.RegistrationStore, *eventsink.WebhookSink, error) {
	regStore, err := eventsink.NewRegistrationStore(cfg.RegistrationDBPath)
	if err != nil {
		return nil, nil, nil, err
	}

	// The webhook sink is built outside the registry's factory closure so
	// the daemon can mount its Handler on the HTTP server below — the
	// manager only ever sees it through the Sink interface.
	webhookSink := eventsink.NewWebhookSink()

	registry := eventsink.NewRegistry()
	registry.Register("cron", func() eventsink.Sink { return eventsink.NewCronSink() })
	registry.Register("webhook", func() eventsink.Sink { return webhookSink })
	registry.Register("redis_stream", func() eventsink.Sink { return eventsink.NewRedisStreamSink() })

	mgr := eventsink.NewManager(registry, regStore, nil)
	return mgr, regStore, webhookSink, nil
}

// buildDispatcher registers a backend only when its config fields are
// populated, so a deployment that never configures Kafka, say, never pays
// for a REST proxy client it will never call.
func buildDispatcher(ctx context.Context, cfg config.DispatcherConfig) (*dispatcher.Dispatcher, error) {
	breakerCfg := circuitbreaker.Config{
		ErrorPct:       cfg.BreakerErrorPct,
		WindowDuration: cfg.BreakerWindow,
		OpenDuration:   cfg.BreakerOpenDuration,
		HalfOpenProbes: cfg.BreakerHalfOpenProbes,
	}
	disp := dispatcher.New(breakerCfg)

	if cfg.HTTPExecutorURL != "" {
		disp.Register(dispatcher.NewHTTPBackend(cfg.HTTPExecutorURL, cfg.HTTPTimeout))
	}
	if cfg.HTTPSSEExecutorURL != "" {
		disp.Register(dispatcher.NewHTTPSSEBackend(cfg.HTTPSSEExecutorURL))
	}

	if cfg.LambdaInvokeFunction != "" || cfg.LambdaStreamFunction != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.LambdaRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config for lambda: %w", err)
		}
		client := lambda.NewFromConfig(awsCfg)
		if cfg.LambdaInvokeFunction != "" {
			disp.Register(dispatcher.NewLambdaInvokeBackend(client, cfg.LambdaInvokeFunction))
		}
		if cfg.LambdaStreamFunction != "" {
			disp.Register(dispatcher.NewLambdaStreamBackend(client, cfg.LambdaStreamFunction))
		}
	}

	if cfg.KubernetesJobImage != "" {
		k8sClient, err := buildKubernetesClient()
		if err != nil {
			return nil, fmt.Errorf("build kubernetes client: %w", err)
		}
		disp.Register(dispatcher.NewKubernetesJobBackend(k8sClient, cfg.KubernetesNamespace, cfg.KubernetesJobImage))
	}

	if cfg.SQSQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config for sqs: %w", err)
		}
		disp.Register(dispatcher.NewSQSBackend(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL))
	}

	if cfg.KafkaRestProxyURL != "" && cfg.KafkaTopic != "" {
		disp.Register(dispatcher.NewKafkaBackend(cfg.KafkaRestProxyURL, cfg.KafkaTopic, cfg.HTTPTimeout))
	}

	if cfg.RedisAddr != "" {
		disp.Register(dispatcher.NewRedisBackend(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})))
	}

	return disp, nil
}

// buildKubernetesClient prefers in-cluster config (the daemon running as a
// pod itself) and falls back to KUBECONFIG for local/dev operation.
func buildKubernetesClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = os.Getenv("HOME") + "/.kube/config"
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("no in-cluster config and no usable kubeconfig: %w", err)
		}
	}
	return kubernetes.NewForConfig(restCfg)
}

func startHTTPServer(addr string, store statestore.Store, sinkMgr *eventsink.Manager, disp *dispatcher.Dispatcher, webhookSink *eventsink.WebhookSink) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/webhooks/", http.StripPrefix("/v1/webhooks", webhookSink.Handler()))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.Handle("GET /metrics/json", metrics.Global().Handler())
	if prom := metrics.Prom(); prom != nil {
		mux.Handle("GET /metrics", prom.Handler())
	}

	mux.HandleFunc("POST /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var in domain.CreateRunInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		run, err := store.CreateRun(r.Context(), in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	})

	mux.HandleFunc("GET /v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		run, err := store.GetRun(r.Context(), r.PathValue("id"))
		if statestore.IsNotFound(err) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	})

	mux.HandleFunc("POST /v1/dispatch", func(w http.ResponseWriter, r *http.Request) {
		var req domain.DispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := disp.Dispatch(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("POST /v1/sinks/register", func(w http.ResponseWriter, r *http.Request) {
		var reg eventsink.Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := sinkMgr.Register(r.Context(), reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server stopped", "error", err)
		}
	}()
	return srv
}
