package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/tinyloom/internal/api"
	"github.com/jordanhubbard/tinyloom/internal/chats"
	"github.com/jordanhubbard/tinyloom/internal/dispatch"
	"github.com/jordanhubbard/tinyloom/internal/eventbus"
	"github.com/jordanhubbard/tinyloom/internal/eventstore"
	"github.com/jordanhubbard/tinyloom/internal/files"
	"github.com/jordanhubbard/tinyloom/internal/health"
	"github.com/jordanhubbard/tinyloom/internal/logging"
	"github.com/jordanhubbard/tinyloom/internal/messagebus"
	"github.com/jordanhubbard/tinyloom/internal/metrics"
	"github.com/jordanhubbard/tinyloom/internal/provider"
	"github.com/jordanhubbard/tinyloom/internal/queue"
	"github.com/jordanhubbard/tinyloom/internal/settings"
	"github.com/jordanhubbard/tinyloom/internal/telemetry"
	"github.com/jordanhubbard/tinyloom/pkg/config"
	"github.com/jordanhubbard/tinyloom/pkg/messages"
	"github.com/jordanhubbard/tinyloom/pkg/models"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	if *showVersion {
		fmt.Printf("tinyloom v%s\n", telemetry.Version)
		return
	}

	cfg, err := config.LoadConfigFromFile(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}

	logs := logging.NewManager(cfg.Paths.LogFile, os.Stderr)
	logs.InstallLogInterceptor()
	defer logs.Close()

	if err := run(cfg, logs); err != nil {
		log.Printf("[Main] ERROR: %v", err)
		logs.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logs *logging.Manager) error {
	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			log.Printf("[Main] Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("[Main] Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	st, err := settings.Open(cfg.Paths.SettingsFile, defaultWorkspace())
	if err != nil {
		return err
	}

	q, err := queue.New(cfg.Paths.QueueDir, cfg.Dispatch.MaxAttempts)
	if err != nil {
		return err
	}

	store, closeStore, err := openEventStore(runCtx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := eventbus.NewEventBus(store, 1000)
	defer bus.Close()
	bus.AddSink(metrics.NewMetrics())

	st.OnChange(func(reg *models.Registry) {
		bus.Emit(eventbus.EventTypeSettingsChanged, map[string]interface{}{
			"agents": reg.Agents.Keys(),
			"teams":  reg.Teams.Keys(),
		})
	})

	if cfg.NATS.Enabled {
		nb, err := messagebus.NewNatsMessageBus(messagebus.Config{
			URL:        cfg.NATS.URL,
			StreamName: cfg.NATS.StreamName,
			Timeout:    cfg.NATS.Timeout,
		})
		if err != nil {
			log.Printf("[Main] Warning: NATS unavailable, events stay local: %v", err)
		} else {
			defer nb.Close()
			bus.AddSink(nb)
			if err := nb.SubscribeInbound(func(env *messages.Envelope) error {
				return enqueueInbound(q, env)
			}); err != nil {
				log.Printf("[Main] Warning: NATS inbound subscription failed: %v", err)
			}
		}
	}

	fm, err := files.NewManager(cfg.Paths.FilesDir, cfg.Dispatch.LongResponseThreshold)
	if err != nil {
		return err
	}
	chatStore := chats.NewStore(cfg.Paths.ChatsDir)

	d := dispatch.NewDispatcher(dispatch.Config{
		ScanInterval:            cfg.Dispatch.ScanInterval,
		MaxConversationMessages: cfg.Dispatch.MaxConversationMessages,
		WatchIncoming:           cfg.Dispatch.WatchIncoming,
	}, q, st, provider.NewDefaultRegistry(cfg.Providers), bus, fm, chatStore)

	apiServer := api.NewServer(cfg.Server, api.Deps{
		Queue:         q,
		Settings:      st,
		Conversations: d.Conversations(),
		Events:        bus,
		Logs:          logs,
		Chats:         chatStore,
		Files:         fm,
		Pool:          d.Pool(),
	})

	wd := health.NewWatchdog(q, d.Conversations(), d.Pool())
	if cfg.Dispatch.WatchdogInterval > 0 {
		wd.Interval = cfg.Dispatch.WatchdogInterval
	}
	if cfg.Dispatch.StaleConversation > 0 {
		wd.StaleAfter = cfg.Dispatch.StaleConversation
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		wd.Start(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := st.Watch(runCtx); err != nil {
			log.Printf("[Main] Warning: settings hot reload disabled: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("dispatcher: %w", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := apiServer.ListenAndServe(runCtx, func(h http.Handler) http.Handler {
			return otelhttp.NewHandler(h, "tinyloom-http-server")
		})
		if err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
			cancel()
		}
	}()

	<-runCtx.Done()
	log.Printf("[Main] Shutting down...")
	wg.Wait()
	close(errCh)
	return <-errCh
}

// openEventStore selects the configured event history backend.
func openEventStore(ctx context.Context, cfg *config.Config) (eventbus.Store, func(), error) {
	switch cfg.Events.Backend {
	case "redis":
		rs, err := eventstore.NewRedisStore(ctx, cfg.Events.RedisURL, cfg.Events.RedisKey, cfg.Events.MaxEvents)
		if err != nil {
			return nil, nil, fmt.Errorf("redis event store: %w", err)
		}
		log.Printf("[Main] Events persisted to redis key %s", cfg.Events.RedisKey)
		return rs, func() { _ = rs.Close() }, nil
	case "", "file":
		fs, err := eventstore.NewFileStore(cfg.Paths.EventsDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

// enqueueInbound writes a message received over NATS into incoming, the
// same way any channel client does.
func enqueueInbound(q *queue.Queue, env *messages.Envelope) error {
	if env.Timestamp == 0 {
		env.Timestamp = messages.NowMillis()
	}
	if env.Channel == "" {
		env.Channel = "nats"
	}
	if env.MessageID == "" {
		env.MessageID = fmt.Sprintf("nats_%d_%s", env.Timestamp, uuid.NewString()[:8])
	}
	return q.Enqueue(fmt.Sprintf("%s_%s.json", env.Channel, env.MessageID), env)
}

func defaultWorkspace() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "tinyloom-workspace")
	}
	return "tinyloom-workspace"
}

func printHelp() {
	fmt.Println("Usage: tinyloom [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   Path to configuration file (default: config.yaml)")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -help     Show help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TINYLOOM_HOME                Data directory (default: ~/.tinyloom)")
	fmt.Println("  TINYLOOM_API_PORT            HTTP port (default: 3001)")
	fmt.Println("  NATS_URL                     Mirror events to NATS JetStream")
	fmt.Println("  OTEL_EXPORTER_OTLP_ENDPOINT  Export traces via OTLP gRPC")
}
