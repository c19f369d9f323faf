package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"hostlink/config"
	"hostlink/crypto"
	"hostlink/directory"
	"hostlink/discovery"
	"hostlink/drivestore"
	"hostlink/feed"
	"hostlink/logging"
	"hostlink/metrics"
	"hostlink/models"
	"hostlink/network"
	"hostlink/outbox"
	"hostlink/perimeter"
	"hostlink/storage"
	"hostlink/transit"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if err := config.ApplyFlags(cfg, os.Args[1:]); err != nil {
		log.Fatalf("startup failed while parsing flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel)
	local := models.Identity(cfg.Identity).Normalize()
	if err := local.Validate(); err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	signingKey, err := crypto.EnsureHostSigningKey(cfg.SigningKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing signing key: %v", err)
	}
	exchangeKey, err := crypto.EnsureX25519PrivateKey(cfg.X25519PrivateKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing X25519 key: %v", err)
	}
	if fingerprint := signingKey.Fingerprint(); cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	drives := drivestore.New()
	if err := createDrives(drives, cfg.Drives); err != nil {
		log.Fatalf("startup failed while creating drives: %v", err)
	}

	dir := directory.New(local, exchangeKey, crypto.Suite{}, drives)
	if err := dir.LoadFile(cfg.PeersFile); err != nil {
		log.Fatalf("startup failed while loading peers: %v", err)
	}

	scheme := "http"
	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			log.Fatalf("startup failed while loading TLS key pair: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		scheme = "https"
	}

	m := metrics.New()
	static := dir.Endpoints()
	for identity, endpoint := range cfg.Endpoints {
		static[models.Identity(identity).Normalize()] = endpoint
	}
	resolver := network.NewEndpointResolver(static, "")
	client := network.NewPeerClient(network.ClientOptions{
		Local:          local,
		SigningKey:     signingKey.Private,
		Resolver:       resolver,
		RequestTimeout: cfg.Delivery.AttemptTimeout.Std(),
	})

	retry := outbox.RetryPolicy{
		MaxAttempts:     cfg.Delivery.MaxAttempts,
		InitialInterval: cfg.Delivery.InitialBackoff.Std(),
		MaxInterval:     cfg.Delivery.MaxBackoff.Std(),
	}
	box := outbox.New(store, drives, outbox.Config{Retry: retry, KeyRetry: retry}, logger, m)
	box.OnPersistentFailure(func(ctx context.Context, item models.OutboxItem) {
		logger.Warn(ctx, "delivery abandoned", "recipient", item.Recipient, "file", item.File.String(), "reason", item.LastFailure)
	})
	builder := transit.NewEnvelopeBuilder(local, drives, dir, crypto.Suite{}, logger)
	sender := transit.NewSender(builder, box, drives, dir, client, transit.SenderConfig{
		BatchSize:      cfg.Delivery.BatchSize,
		AttemptTimeout: cfg.Delivery.AttemptTimeout.Std(),
	}, logger, m)

	router := feed.NewRouter(local, drives, dir, sender, client, store, feed.Config{
		BatchSize:   cfg.Delivery.BatchSize,
		SendTimeout: cfg.Delivery.AttemptTimeout.Std(),
		Retry:       retry,
	}, logger, m)
	drives.Subscribe(router.Dispatch)

	gate := perimeter.New(local, drives, dir, crypto.Suite{}, store, perimeter.Config{
		StagingDir:   cfg.Perimeter.StagingDir,
		MaxPartBytes: cfg.Perimeter.MaxPartBytes,
		Filters:      perimeterFilters(cfg.Perimeter),
	}, logger)

	handler, err := network.NewHandler(network.HandlerOptions{
		Perimeter: gate,
		Verifier:  network.NewVerifier(local, dir),
		Replay:    store,
		Security:  store,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("startup failed while building handler: %v", err)
	}

	server, err := network.Listen(":"+strconv.Itoa(cfg.ListeningPort), handler, network.ServerOptions{TLSConfig: tlsConfig})
	if err != nil {
		log.Fatalf("startup failed while listening: %v", err)
	}

	fmt.Printf("Identity:        %s\n", local)
	fmt.Printf("Listening:       %s://%s\n", scheme, server.Addr())
	fmt.Printf("Fingerprint:     %s\n", cfg.KeyFingerprint)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Discovery {
		port := cfg.ListeningPort
		if tcp, ok := server.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		svc, err := discovery.Start(discovery.Config{
			Identity:      local,
			ListeningPort: port,
			Scheme:        scheme,
			SigningKey:    signingKey.Private,
		})
		if err != nil {
			logger.Warn(ctx, "discovery startup failed", "error", err)
		} else {
			defer svc.Stop()
			go discovery.Bridge(ctx, svc.Scanner.Events(), dir, resolver, time.Now, logger)
			fmt.Println("Discovery:       running")
		}
	}

	var wg sync.WaitGroup
	every(ctx, &wg, logger, "outbox", cfg.Delivery.OutboxInterval.Std(), func(ctx context.Context) error {
		summary, err := sender.ProcessOutbox(ctx)
		if summary.Attempted > 0 {
			logger.Info(ctx, "outbox sweep", "attempted", summary.Attempted, "delivered", summary.Delivered,
				"rescheduled", summary.Rescheduled, "dead", summary.Dead)
		}
		return err
	})
	every(ctx, &wg, logger, "awaiting_keys", cfg.Delivery.KeySweepInterval.Std(), func(ctx context.Context) error {
		_, err := sender.ResolveAwaitingKeys(ctx)
		return err
	})
	every(ctx, &wg, logger, "feed_queue", cfg.Delivery.FeedInterval.Std(), func(ctx context.Context) error {
		_, err := router.ProcessFeedQueue(ctx)
		return err
	})
	every(ctx, &wg, logger, "token_prune", cfg.Delivery.TokenPruneInterval.Std(), func(ctx context.Context) error {
		cutoff := time.Now().Add(-cfg.Delivery.TokenRetention.Std()).UnixMilli()
		_, err := store.PruneSeenTokenIDs(cutoff)
		return err
	})

	go func() {
		for err := range server.Errors() {
			logger.Error(ctx, "perimeter server error", "error", err)
		}
	}()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	if err := server.Close(); err != nil {
		logger.Warn(context.Background(), "server close", "error", err)
	}
	wg.Wait()
	router.Wait()
}

// every runs fn on a ticker until ctx is done.
func every(ctx context.Context, wg *sync.WaitGroup, logger logging.Logger, name string, interval time.Duration, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					logger.Error(ctx, "background sweep failed", "sweep", name, "error", err)
				}
			}
		}
	}()
}

func createDrives(drives *drivestore.Store, defs []config.DriveConfig) error {
	if _, err := drives.CreateDrive(models.DriveDefinition{
		TargetDrive: models.FeedDrive,
		Name:        "feed",
	}, drivestore.DrivePolicy{AllowAnyWriter: true}); err != nil {
		return err
	}

	for _, d := range defs {
		alias, err := uuid.Parse(d.Alias)
		if err != nil {
			return fmt.Errorf("drive %q alias: %w", d.Name, err)
		}
		driveType := models.ChannelDriveType
		if d.Type != "" {
			if driveType, err = uuid.Parse(d.Type); err != nil {
				return fmt.Errorf("drive %q type: %w", d.Name, err)
			}
		} else if !d.Channel {
			return fmt.Errorf("drive %q needs a type", d.Name)
		}

		def := models.DriveDefinition{
			TargetDrive:        models.TargetDrive{Alias: alias, Type: driveType},
			Name:               d.Name,
			AllowSubscriptions: d.Channel,
			AllowDistribution:  d.AllowDistribution,
		}
		if d.RelayReceived {
			def.Attributes = map[string]string{models.DriveAttributeRelayReceived: "true"}
		}
		if _, err := drives.CreateDrive(def, drivestore.DrivePolicy{
			AllowAnyWriter:   d.AllowAnyWriter,
			Writers:          identities(d.Writers),
			InboxOnlyWriters: identities(d.InboxOnlyWriters),
		}); err != nil {
			return err
		}
	}
	return nil
}

func identities(raw []string) []models.Identity {
	out := make([]models.Identity, 0, len(raw))
	for _, r := range raw {
		out = append(out, models.Identity(r).Normalize())
	}
	return out
}

func perimeterFilters(cfg config.PerimeterConfig) perimeter.FilterChain {
	chain := perimeter.FilterChain{perimeter.MaxSizeFilter{MaxPartBytes: cfg.MaxPartBytes, MaxTotalBytes: cfg.MaxTotalBytes}}
	if len(cfg.AllowedContentTypes) > 0 {
		chain = append(chain, perimeter.ContentTypeFilter{Allowed: cfg.AllowedContentTypes})
	}
	if cfg.MaxThumbnailPixels > 0 {
		chain = append(chain, perimeter.ThumbnailDimensionFilter{MaxWidth: cfg.MaxThumbnailPixels, MaxHeight: cfg.MaxThumbnailPixels})
	}
	return chain
}
