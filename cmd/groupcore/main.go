// Package main is the CLI entrypoint for a device core. It provides the
// serve subcommand, which loads configuration, bootstraps (or loads) the
// local account and device identity, opens local storage, connects to
// the delivery service, and runs until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shipcore/groupcore/internal/config"
	"github.com/shipcore/groupcore/internal/crypto"
	"github.com/shipcore/groupcore/internal/delivery"
	"github.com/shipcore/groupcore/internal/device"
	"github.com/shipcore/groupcore/internal/grouphandler"
	"github.com/shipcore/groupcore/internal/identity"
	"github.com/shipcore/groupcore/internal/metrics"
	"github.com/shipcore/groupcore/internal/mlsadapter"
	"github.com/shipcore/groupcore/internal/storage"
	"github.com/shipcore/groupcore/internal/voice"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// defaultMetricsListen is the Prometheus scrape address. It isn't a
// config.Config field: SPEC_FULL.md names only backend/storage/voice/
// logging as configurable sections, so this stays a fixed default the
// way the teacher's own ambient concerns sometimes do.
const defaultMetricsListen = "127.0.0.1:9090"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("groupcore — secure group messaging and voice device core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  groupcore <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Run the device core")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  shipcore.toml (or set SHIPCORE_CONFIG_PATH)")
	fmt.Println("  Env prefix:   SHIPCORE_ (e.g. SHIPCORE_BACKEND_ENDPOINTS)")
}

func runVersion() {
	fmt.Printf("groupcore %s\n", version)
	fmt.Printf("  commit: %s\n", commit)
}

func configPath() string {
	if p := os.Getenv("SHIPCORE_CONFIG_PATH"); p != "" {
		return p
	}
	return "shipcore.toml"
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// ackerProxy breaks the construction-order cycle between
// grouphandler.Handler (which needs an Acker) and delivery.Client
// (which needs a Dispatcher, usually the Handler): the Handler is built
// against this proxy, and client is filled in once the delivery.Client
// it forwards to actually exists.
type ackerProxy struct {
	client *delivery.Client
}

func (p *ackerProxy) AckDelivery(messageID uint64, userID uint64, deviceID string, groupID []byte) error {
	return p.client.AckDelivery(messageID, userID, deviceID, groupID)
}

// bootstrapAccount mints a fresh local account identity the first time
// username is seen. There is no account-registration RPC in this
// module's delivery surface (SPEC_FULL.md's unary RPCs start from an
// already-registered user_id/device_id pair), so the account id and
// signing key are generated locally and treated as self-issued; a real
// deployment would replace this with whatever out-of-band registration
// flow allocates the user_id and server certificate.
func bootstrapAccount(cp crypto.Provider, store *storage.AccountStore, username string) (storage.Account, error) {
	pub, priv, err := cp.GenerateSigningKey()
	if err != nil {
		return storage.Account{}, fmt.Errorf("bootstrap account: generate signing key: %w", err)
	}
	idBytes, err := cp.RandomBytes(8)
	if err != nil {
		return storage.Account{}, fmt.Errorf("bootstrap account: generate user id: %w", err)
	}
	account := storage.Account{
		Username: username,
		Credential: identity.AccountCredential{
			AccountID: identity.AccountID{
				UserID:        binary.BigEndian.Uint64(idBytes),
				PublicAddress: username,
			},
			PublicKey: pub,
		},
		SigningKey: priv,
		CreatedAt:  time.Now().Unix(),
	}
	if err := store.Put(account); err != nil {
		return storage.Account{}, fmt.Errorf("bootstrap account: %w", err)
	}
	return account, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	username := fs.String("username", "", "local account username (required on first run for this data directory)")
	deviceID := fs.String("device-id", "", "device identifier (defaults to the host name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("serve: -username is required")
	}
	if *deviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("serve: resolve default device id: %w", err)
		}
		*deviceID = host
	}

	logger := setupLogger("info", "json")
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting groupcore", slog.String("version", version), slog.String("commit", commit))

	cp := crypto.NewProvider()
	dir := storage.NewDir(cfg.Storage.DataDir)

	accounts, err := storage.OpenAccountStore(dir.AccountsDB())
	if err != nil {
		return fmt.Errorf("opening account store: %w", err)
	}
	defer accounts.Close()

	account, err := accounts.ByUsername(*username)
	if errors.Is(err, storage.ErrAccountNotFound) {
		logger.Info("no local account found, bootstrapping", slog.String("username", *username))
		account, err = bootstrapAccount(cp, accounts, *username)
	}
	if err != nil {
		return fmt.Errorf("resolving local account: %w", err)
	}
	userID := account.Credential.AccountID.UserID
	logger.Info("local account ready", slog.Uint64("user_id", userID), slog.String("device_id", *deviceID))

	devicePub, devicePriv, err := cp.GenerateSigningKey()
	if err != nil {
		return fmt.Errorf("generating device signing key: %w", err)
	}
	deviceCred, err := identity.SignDeviceCredential(cp, userID, *deviceID, account.Credential.PublicKey, account.SigningKey, devicePub)
	if err != nil {
		return fmt.Errorf("signing device credential: %w", err)
	}
	mlsClient := mlsadapter.NewClient(cp, deviceCred, devicePriv)
	idProvider := identity.NewProvider(cp)

	mlsStore, err := storage.OpenMLSStateStore(dir.MLSStateDB(userID, *deviceID), mlsClient, logger)
	if err != nil {
		return fmt.Errorf("opening MLS state store: %w", err)
	}
	defer mlsStore.Close()

	messages, err := storage.OpenGroupMessageStore(dir.GroupDB(userID))
	if err != nil {
		return fmt.Errorf("opening message store: %w", err)
	}
	defer messages.Close()

	media, err := storage.OpenMediaStore(dir.GroupDB(userID))
	if err != nil {
		return fmt.Errorf("opening media store: %w", err)
	}
	defer media.Close()

	// media and contacts back the read-side UI surface (fetch attachment
	// by id, list known contacts) rather than the Device Controller's
	// group-operation command surface, so they are opened here and held
	// open for that surface to use, not threaded into dev below.
	contacts, err := storage.OpenContactStore(dir.ContactsDB(userID))
	if err != nil {
		return fmt.Errorf("opening contact store: %w", err)
	}
	defer contacts.Close()

	var voiceRegistry *voice.Registry
	if cfg.Voice.URL != "" && cfg.Voice.APIKey != "" && cfg.Voice.APISecret != "" {
		voiceSvc, err := voice.New(voice.Config{
			URL:       cfg.Voice.URL,
			APIKey:    cfg.Voice.APIKey,
			APISecret: cfg.Voice.APISecret,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("voice service unavailable", slog.String("error", err.Error()))
		} else {
			voiceRegistry = voice.NewRegistry(cp, voiceSvc, userID, account.Credential.PublicKey, logger)
			logger.Info("voice service ready", slog.String("url", cfg.Voice.URL))
		}
	}

	events := make(chan grouphandler.Event, 64)
	var rekeyer grouphandler.VoiceRekeyer
	if voiceRegistry != nil {
		rekeyer = voiceRegistry
	}
	acker := &ackerProxy{}
	handler := grouphandler.New(logger, idProvider, mlsStore, acker, rekeyer, userID, *deviceID, events)

	deliveryClient, err := delivery.NewClient(delivery.Config{
		Endpoints:  cfg.Backend.Endpoints,
		UserID:     userID,
		DeviceID:   *deviceID,
		AuthToken:  os.Getenv("SHIPCORE_AUTH_TOKEN"),
		SigningKey: devicePriv,
		Crypto:     cp,
		MLSClient:  mlsClient,
		Dispatcher: handler,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("constructing delivery client: %w", err)
	}
	acker.client = deliveryClient

	dev := device.New(device.Config{
		Logger:      logger,
		Crypto:      cp,
		MLSClient:   mlsClient,
		Store:       mlsStore,
		Messages:    messages,
		Delivery:    deliveryClient,
		SelfUserID:  userID,
		SelfDevice:  *deviceID,
		SelfAccount: account.Credential,
	})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 2)
	go func() {
		if err := deliveryClient.Run(ctx); err != nil {
			errCh <- fmt.Errorf("delivery client: %w", err)
		}
	}()
	go dev.RunEventLoop(ctx, events)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: defaultMetricsListen, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	logger.Info("metrics endpoint ready", slog.String("listen", defaultMetricsListen))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		cancel()
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	cancel()
	deliveryClient.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("groupcore stopped")
	return nil
}
