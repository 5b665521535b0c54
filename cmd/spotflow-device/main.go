package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/spotflow-io/device-sdk/internal/c2d"
	"github.com/spotflow-io/device-sdk/internal/config"
	"github.com/spotflow-io/device-sdk/internal/hooks"
	"github.com/spotflow-io/device-sdk/internal/logging"
	"github.com/spotflow-io/device-sdk/internal/methods"
	"github.com/spotflow-io/device-sdk/internal/plugins/portallow"
	"github.com/spotflow-io/device-sdk/internal/plugins/stats"
	"github.com/spotflow-io/device-sdk/internal/proxy"
	"github.com/spotflow-io/device-sdk/internal/topics"
	"github.com/spotflow-io/device-sdk/internal/transport"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(settings.LogLevel, settings.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
		os.Exit(1)
	}

	pipeline := &hooks.Pipeline{}

	// --- Register plugins ---
	// Each plugin owns its own flags and resources.
	pipeline.RegisterPlugin(portallow.New(&proxy.Dialer{
		TargetHost:    settings.TargetHost,
		LocalTimeout:  settings.LocalPortTimeout,
		RemoteTimeout: settings.RemoteTimeout,
		WebSocket:     websocket.DefaultDialer,
		Logger:        logging.For("tunnel"),
	}, logging.For("remote_access")))
	pipeline.RegisterPlugin(stats.New(logging.For("stats")))

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nConfiguration is read from SPOTFLOW_* environment variables.\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	pipeline.RegisterFlags(flag.CommandLine)
	flag.Parse()

	// Activate enabled plugins (collect hooks)
	pipeline.Activate()

	if err := run(settings, pipeline); err != nil {
		log.Fatal().Err(err).Msg("Device agent failed")
	}
	log.Info().Msg("Shut down cleanly. Goodbye!")
}

func run(settings config.Settings, pipeline *hooks.Pipeline) error {
	logger := logging.For("main")
	logger.Info().Str("device_id", settings.DeviceID).Strs("plugins", pipeline.Active()).Msg("Starting device agent")

	// 1. Persistent cloud-to-device store
	store, err := c2d.Open(settings.DatabasePath)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close message store")
		}
	}()

	// 2. Transport, dispatcher and routes
	router := transport.NewRouter(logging.For("transport"))
	client := transport.NewClient(transport.Options{
		BrokerURL:      settings.BrokerURL,
		ClientID:       settings.DeviceID,
		Username:       settings.Username,
		Password:       settings.Password,
		PublishTimeout: settings.PublishTimeout,
	}, router, logging.For("transport"))

	dispatcher := methods.New(pipeline.Handlers(), client,
		methods.WithObserver(pipeline),
		methods.WithQueueCapacity(settings.MethodQueueCapacity),
		methods.WithLogger(logging.For("methods")),
	)

	consumer := c2d.NewConsumer(store, logging.For("c2d"), settings.AckTimeout)
	ingest := c2d.NewIngest(store, consumer, logging.For("c2d"))

	c2dFilter := topics.C2DSubscription(settings.DeviceID)
	router.Handle(topics.MethodsPrefix, dispatcher)
	router.Handle(strings.TrimSuffix(c2dFilter, "#"), ingest)

	for _, filter := range []string{topics.MethodsSubscription(), c2dFilter} {
		if err := client.Subscribe(filter); err != nil {
			return err
		}
	}

	// 3. Graceful shutdown setup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Connect and serve
	if err := client.Connect(ctx); err != nil {
		shutdown(nil, dispatcher, ingest, pipeline)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("connect to broker: %w", err)
	}
	logger.Info().Str("broker", settings.BrokerURL).Msg("Connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consume(ctx, consumer)
	}()

	<-ctx.Done()
	logger.Info().Msg("Received signal, shutting down...")

	shutdown(client, dispatcher, ingest, pipeline)
	wg.Wait()
	return nil
}

type stopper interface {
	Close()
}

// shutdown stops the components in dependency order. Pending method calls
// and stored messages drain while the broker connection is still up, so
// their responses and acks can still be sent; anything delivered after that
// is left unacked for redelivery. Tunnels are aborted last.
func shutdown(client, dispatcher, ingest stopper, plugins io.Closer) {
	dispatcher.Close()
	ingest.Close()
	if client != nil {
		client.Close()
	}
	if err := plugins.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close plugins")
	}
}

// consume logs every stored cloud-to-device message until ctx is done.
func consume(ctx context.Context, consumer *c2d.Consumer) {
	logger := logging.For("c2d")
	for {
		err := consumer.Process(ctx, func(msg c2d.Message) error {
			logger.Info().Uint("message_id", msg.ID).Str("topic", msg.Topic).
				Int("size", len(msg.Payload)).Msg("Received cloud-to-device message")
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to process cloud-to-device message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}
