package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"chatline/call"
	"chatline/clock"
	"chatline/config"
	"chatline/delivery"
	"chatline/discovery"
	"chatline/media"
	"chatline/models"
	"chatline/rooms"
	"chatline/storage"
	"chatline/transport"
)

// seenIDRetention bounds how long observed message ids are kept for dedup.
const seenIDRetention = 30 * 24 * time.Hour

type options struct {
	relayURL     string
	displayName  string
	logLevel     string
	discovery    bool
	loopbackOnly bool
	ackTimeout   time.Duration
	retryDelay   time.Duration
	maxRetries   int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatline: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}

	opts := options{}
	flags := pflag.NewFlagSet("chatline", pflag.ContinueOnError)
	flags.StringVar(&opts.relayURL, "relay", cfg.RelayURL, "websocket relay URL (ws://host:port/path)")
	flags.StringVar(&opts.displayName, "name", cfg.DisplayName, "display name shown to other participants")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&opts.discovery, "discovery", cfg.Discovery, "browse the LAN for a relay when --relay is empty")
	flags.BoolVar(&opts.loopbackOnly, "loopback", false, "use the in-process loopback channel")
	flags.DurationVar(&opts.ackTimeout, "ack-timeout", cfg.AckTimeout(), "time to wait for a message ack")
	flags.DurationVar(&opts.retryDelay, "retry-delay", cfg.RetryDelay(), "delay before a retried message is resent")
	flags.IntVar(&opts.maxRetries, "max-retries", cfg.MaxRetries, "manual retries allowed per message")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	self := models.User{ID: cfg.UserID, Name: opts.displayName, Status: models.UserOnline}
	dataDir := filepath.Dir(cfgPath)

	fmt.Printf("User ID:         %s\n", self.ID)
	fmt.Printf("Display Name:    %s\n", self.Name)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := storage.New(dataDir, storage.Options{Logger: logger})
	if err := store.Open(ctx); err != nil {
		return fmt.Errorf("startup failed while opening database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", "error", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", store.Path())

	cutoff := time.Now().Add(-seenIDRetention).UnixMilli()
	if pruned, err := store.PruneSeenIDs(ctx, cutoff); err != nil {
		logger.Warn("prune seen ids failed", "error", err)
	} else if pruned > 0 {
		logger.Debug("pruned seen ids", "count", pruned)
	}

	channel, shutdown := openChannel(ctx, logger, cfg, opts, self)
	defer shutdown()

	directory, err := rooms.New(rooms.Options{
		Self:    self,
		Channel: channel,
		Store:   store,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer directory.Close()

	coordinator, err := delivery.New(delivery.Options{
		Self:       self,
		Store:      store,
		Channel:    channel,
		Seen:       store,
		Logger:     logger,
		AckTimeout: opts.ackTimeout,
		RetryDelay: opts.retryDelay,
		MaxRetries: opts.maxRetries,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	acquirer := media.NewDeviceAcquirer(media.DeviceAcquirerOptions{
		Devices: media.DefaultDevices(),
		Logger:  logger,
	})
	calls, err := call.New(call.Options{
		Self:     self,
		Acquirer: acquirer,
		Channel:  channel,
		Recorder: store,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer calls.Close()

	if recovered, err := coordinator.Recover(ctx); err != nil {
		logger.Warn("recover stranded sends failed", "error", err)
	} else if recovered > 0 {
		fmt.Printf("Recovered:       %d unsent message(s) marked failed\n", recovered)
	}
	if err := directory.Load(ctx); err != nil {
		logger.Warn("load rooms failed", "error", err)
	}

	d := newDriver(driverDeps{
		out:         os.Stdout,
		self:        self,
		store:       store,
		directory:   directory,
		coordinator: coordinator,
		calls:       calls,
		acquirer:    acquirer,
		logger:      logger,
	})
	d.watch()

	fmt.Println("Status:          running (type /help, Ctrl+D or Ctrl+C to stop)")
	err = d.run(ctx, os.Stdin)
	calls.EndCall(context.Background())
	fmt.Println("Status:          shutting down")
	return err
}

// openChannel picks the websocket relay when one is configured or
// discovered and falls back to the loopback channel otherwise.
func openChannel(ctx context.Context, logger *slog.Logger, cfg *config.DeviceConfig, opts options, self models.User) (transport.Channel, func()) {
	relayURL := strings.TrimSpace(opts.relayURL)
	if relayURL == "" && opts.discovery && !opts.loopbackOnly {
		if ch, shutdown, ok := followDiscoveredRelays(ctx, logger); ok {
			return ch, shutdown
		}
	}

	if relayURL != "" && !opts.loopbackOnly {
		ws := transport.NewWebSocket(transport.WebSocketOptions{URL: relayURL, Logger: logger})
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := ws.Connect(dialCtx)
		cancel()
		if err == nil {
			fmt.Printf("Transport:       websocket %s\n", relayURL)
			go func() {
				<-ws.Done()
				if err := ws.LastError(); err != nil {
					logger.Warn("relay connection lost", "error", err)
				}
			}()
			return ws, func() {
				if err := ws.Close(); err != nil {
					logger.Debug("relay close", "error", err)
				}
			}
		}
		logger.Warn("relay connect failed; using loopback", "url", relayURL, "error", err)
	}

	loopback := transport.NewLoopback(transport.LoopbackOptions{
		Clock:    clock.Real(),
		Logger:   logger,
		AckDelay: cfg.LoopbackAckDelay(),
		SeedRooms: []models.Room{{
			ID:           "general",
			Type:         models.RoomGroup,
			Name:         "General",
			Participants: []models.User{self},
		}},
	})
	loopback.Connect()
	fmt.Println("Transport:       loopback")
	return loopback, loopback.Disconnect
}

// followDiscoveredRelays keeps an mDNS scanner running and moves the
// websocket channel between advertised relays as they come and go.
func followDiscoveredRelays(ctx context.Context, logger *slog.Logger) (transport.Channel, func(), bool) {
	scanner, err := discovery.NewRelayScanner(discovery.Config{Logger: logger})
	if err != nil {
		logger.Warn("relay discovery unavailable", "error", err)
		return nil, nil, false
	}
	scanner.Start()

	select {
	case <-scanner.Ready():
	case <-ctx.Done():
		scanner.Stop()
		return nil, nil, false
	}

	ws := transport.NewWebSocket(transport.WebSocketOptions{Logger: logger})
	follower := discovery.NewFollower(scanner, ws, discovery.FollowerOptions{Logger: logger})
	if err := follower.Attach(ctx); err != nil {
		if errors.Is(err, discovery.ErrNoRelay) {
			logger.Info("no reachable relay advertised on the local network", "error", err)
		} else {
			logger.Warn("relay discovery failed", "error", err)
		}
		scanner.Stop()
		return nil, nil, false
	}

	relay, _ := follower.Current()
	fmt.Printf("Discovered:      %s (%s)\n", relay.Name, relay.URL())
	fmt.Printf("Transport:       websocket %s\n", ws.URL())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		follower.Run(runCtx)
	}()

	return ws, func() {
		cancel()
		<-done
		scanner.Stop()
		if err := ws.Close(); err != nil {
			logger.Debug("relay close", "error", err)
		}
	}, true
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", raw, err)
	}
	return level, nil
}
