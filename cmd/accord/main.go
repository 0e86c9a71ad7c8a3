// Command accord is the main entry point for the Accord negotiation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/accordlabs/accord/internal/app"
	"github.com/accordlabs/accord/internal/config"
	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/internal/observe"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/payment"
	"github.com/accordlabs/accord/internal/profile"
	"github.com/accordlabs/accord/internal/room"
	"github.com/accordlabs/accord/pkg/provider/llm"
	"github.com/accordlabs/accord/pkg/provider/llm/anyllm"
	openaillm "github.com/accordlabs/accord/pkg/provider/llm/openai"
	"github.com/accordlabs/accord/pkg/provider/payments"
	paymentsmock "github.com/accordlabs/accord/pkg/provider/payments/mock"
	"github.com/accordlabs/accord/pkg/provider/payments/stripe"
	"github.com/accordlabs/accord/pkg/provider/phone"
	"github.com/accordlabs/accord/pkg/provider/phone/elevenlabs"
	"github.com/accordlabs/accord/pkg/provider/stt"
	"github.com/accordlabs/accord/pkg/provider/stt/deepgram"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment + configuration ───────────────────────────────────────────
	// .env is optional; real deployments use the process environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "accord: load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "accord: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "accord: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("accord starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	obsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "accord",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise observability", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	llmProvider, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	sttProvider, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to create stt provider", "name", cfg.Providers.STT.Name, "err", err)
		return 1
	}
	payProvider, err := buildPayments(cfg.Providers.Payments)
	if err != nil {
		slog.Error("failed to create payment provider", "name", cfg.Providers.Payments.Name, "err", err)
		return 1
	}
	phoneProvider, err := buildPhone(cfg.Providers.Phone)
	if err != nil {
		slog.Error("failed to create phone provider", "name", cfg.Providers.Phone.Name, "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Room directory + server ───────────────────────────────────────────────
	emitter := panel.NewEmitter(logger)
	orc := room.NewOrchestrator(ctx, room.Config{
		LLM:               llmProvider,
		STT:               sttProvider,
		Phone:             phoneProvider,
		Payments:          payment.NewExecutor(payProvider, logger),
		Profiles:          profile.NewStore(),
		Panel:             emitter,
		Logger:            logger,
		TriggerKeyword:    cfg.Trigger.Keyword,
		SemanticDetection: cfg.Trigger.SemanticDetection,
		Negotiation: negotiation.Config{
			MaxRounds:    cfg.Negotiation.MaxRounds,
			RoundTimeout: time.Duration(cfg.Negotiation.RoundTimeoutMs) * time.Millisecond,
			TotalTimeout: time.Duration(cfg.Negotiation.TotalTimeoutMs) * time.Millisecond,
		},
		STTLanguage: cfg.Providers.STT.StringOption("language"),
	})

	appCfg := app.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Rooms:      orc,
		Panel:      emitter,
		Payments:   payProvider,
		Logger:     logger,
	}
	if cfg.Server.TLS != nil {
		appCfg.TLSCertFile = cfg.Server.TLS.CertFile
		appCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}
	server := app.New(appCfg)

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := obsShutdown(shutdownCtx); err != nil {
		slog.Warn("observability shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildLLM constructs the configured LLM backend. Every any-llm backend
// shares the APIKey + BaseURL pattern; "openai-native" selects the direct
// openai-go client instead.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "":
		return nil, errors.New("llm provider is required")

	case "openai-native":
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)

	case "ollama":
		// Local server: BaseURL for the address, no API key.
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)

	default:
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	}
}

// buildSTT constructs the transcription backend. Nil when unconfigured;
// rooms then run without live transcription.
func buildSTT(entry config.ProviderEntry) (stt.Provider, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown stt provider %q", entry.Name)
	}
}

// buildPayments constructs the payment backend. The mock provider keeps
// development deployments off the real money rails.
func buildPayments(entry config.ProviderEntry) (payments.Provider, error) {
	switch entry.Name {
	case "stripe":
		var opts []stripe.Option
		if acct := entry.StringOption("platform_account"); acct != "" {
			opts = append(opts, stripe.WithPlatformAccount(acct))
		}
		if pm := entry.StringOption("payment_method"); pm != "" {
			opts = append(opts, stripe.WithPaymentMethod(pm))
		}
		return stripe.New(entry.APIKey, opts...)
	case "mock":
		return &paymentsmock.Provider{}, nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", entry.Name)
	}
}

// buildPhone constructs the outbound-call backend. Nil when unconfigured;
// milestone verification then proceeds without phone evidence.
func buildPhone(entry config.ProviderEntry) (phone.Provider, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "elevenlabs":
		var opts []elevenlabs.Option
		if base := entry.StringOption("base_url"); base != "" {
			opts = append(opts, elevenlabs.WithBaseURL(base))
		}
		return elevenlabs.New(
			entry.APIKey,
			entry.StringOption("agent_id"),
			entry.StringOption("phone_number_id"),
			opts...,
		)
	default:
		return nil, fmt.Errorf("unknown phone provider %q", entry.Name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Accord  startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Payments", cfg.Providers.Payments.Name, "")
	printProvider("Phone", cfg.Providers.Phone.Name, "")
	fmt.Printf("║  Trigger keyword : %-19s ║\n", triggerSummary(cfg))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func triggerSummary(cfg *config.Config) string {
	kw := cfg.Trigger.Keyword
	if kw == "" {
		kw = "handshake"
	}
	if cfg.Trigger.SemanticDetection {
		return kw + " + semantic"
	}
	return kw
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
