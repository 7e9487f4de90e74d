package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/attache/internal/agent"
	"github.com/nextlevelbuilder/attache/internal/archive"
	"github.com/nextlevelbuilder/attache/internal/bus"
	"github.com/nextlevelbuilder/attache/internal/channels"
	"github.com/nextlevelbuilder/attache/internal/channels/discord"
	"github.com/nextlevelbuilder/attache/internal/config"
	"github.com/nextlevelbuilder/attache/internal/cron"
	"github.com/nextlevelbuilder/attache/internal/gateway"
	"github.com/nextlevelbuilder/attache/internal/heartbeat"
	"github.com/nextlevelbuilder/attache/internal/restart"
	"github.com/nextlevelbuilder/attache/internal/router"
	"github.com/nextlevelbuilder/attache/internal/sessions"
	"github.com/nextlevelbuilder/attache/internal/worldmodel"
	"github.com/nextlevelbuilder/attache/pkg/protocol"
)

func runGateway() {
	setupLogging()
	loadEnv()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("create data dir", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence.
	sessionLog, err := sessions.NewLog(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		slog.Error("open session log", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.ArchivePath), 0o755); err != nil {
		slog.Error("create state dir", "error", err)
		os.Exit(1)
	}
	arch, err := archive.Open(cfg.State.ArchivePath, archive.WithLogger(slog.Default()))
	if err != nil {
		slog.Error("open archive", "error", err)
		os.Exit(1)
	}
	if err := arch.Init(ctx); err != nil {
		slog.Error("init archive schema", "error", err)
		os.Exit(1)
	}
	defer arch.Close()

	cfgStore, err := config.NewStore(cfg.DataDir)
	if err != nil {
		slog.Error("open config store", "error", err)
		os.Exit(1)
	}

	wm := worldmodel.New(cfg.State.WorldModelPath,
		worldmodel.WithHistory(func(section, field, value, reason string) {
			if err := arch.ArchiveWorldModelItem(ctx, section, field, value, reason); err != nil {
				slog.Warn("archive world-model history", "error", err)
			}
		}))
	if _, err := wm.Load(); err != nil {
		slog.Error("load world model", "error", err)
		os.Exit(1)
	}

	buffer := sessions.NewBuffer(cfg.State.ConversationHistory)

	// Model runtime and the single-flight queue.
	transport, err := resolveTransport()
	if err != nil {
		slog.Error("no usable model provider", "error", err)
		os.Exit(1)
	}
	runtime := agent.NewBaseRuntime(transport, cfg.Model.Ref())
	assembler := agent.NewAssembler(wm, buffer)
	runtime.SetContextTransformer(assembler.Transform)

	queue := agent.NewQueue(runtime, cfgStore)
	queue.Start(ctx)

	// The extractor calls the transport directly: routing it through the
	// queue would serialize extraction ahead of user requests.
	extractor := agent.NewExtractor(
		cfg.State.ExtractionEnabled,
		cfg.State.ExtractionTimeout,
		agent.DirectPrompt(transport, func() string { return runtime.State().Model }),
		wm,
		arch,
	)

	// Messaging.
	b := bus.New()
	hub := channels.NewHub(b)
	hub.Register(channels.NewCLIAdapter(b))
	if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
		dc, err := discord.New(token, b)
		if err != nil {
			slog.Error("configure discord", "error", err)
		} else {
			hub.Register(dc)
		}
	}

	// Restart continuity.
	mgr := restart.NewManager(
		filepath.Join(cfg.DataDir, "restart-sentinel.json"),
		supervisorCommand(),
	)

	status := func() string {
		state := runtime.State()
		return fmt.Sprintf("model: %s\nthinking: %s\nqueue: %d pending\nsessions: %d\nuptime tracked by gateway /api/status",
			state.Model, state.ThinkingLevel, queue.Pending(), sessionLog.Count())
	}
	commands := router.NewCommandHandler(runtime, cfgStore, status)

	rt := router.New(router.Options{
		Log:       sessionLog,
		Buffer:    buffer,
		Archive:   arch,
		Queue:     queue,
		Assembler: assembler,
		Extractor: extractor,
		Commands:  commands,
		Bus:       b,
		Typing:    hub.Typing,
		Restart: func(reason, sessionKey, deliveryTarget, replyTo string) error {
			return mgr.TriggerRestart(restart.Sentinel{
				Reason:         reason,
				Timestamp:      time.Now().UnixMilli(),
				SessionKey:     sessionKey,
				DeliveryTarget: deliveryTarget,
				ReplyTo:        replyTo,
			})
		},
	})
	go rt.Run(ctx)

	// Schedulers.
	cronSvc, err := cron.New(
		filepath.Join(cfg.DataDir, "cron"),
		cfg.Location(),
		func(ctx context.Context, prompt string) (string, error) {
			return rt.RunInSession(ctx, "", prompt)
		},
		hub.Deliver,
		cron.WithEvents(b),
	)
	if err != nil {
		slog.Error("start cron service", "error", err)
		os.Exit(1)
	}

	hb, err := heartbeat.New(heartbeat.Options{
		Config:   cfg.Heartbeat,
		Dir:      filepath.Join(cfg.DataDir, "heartbeat"),
		Location: cfg.Location(),
		Runner:   rt,
		Store:    cfgStore,
		Log:      sessionLog,
		SetModel: runtime.SetModel,
		GetModel: func() string { return runtime.State().Model },
		Deliver:  hub.Deliver,
		Events:   b,
	})
	if err != nil {
		slog.Error("start heartbeat runner", "error", err)
		os.Exit(1)
	}

	// Management API.
	server := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		Store:      cfgStore,
		Runtime:    runtime,
		Queue:      queue,
		Sessions:   sessionLog,
		Archive:    arch,
		WorldModel: wm,
		Heartbeat:  hb,
		Cron:       cronSvc,
		Hub:        hub,
		Events:     b,
		Restart: func(reason string) error {
			return mgr.TriggerRestart(restart.Sentinel{
				Reason:    reason,
				Timestamp: time.Now().UnixMilli(),
			})
		},
		StaticDir: os.Getenv("ATTACHE_STATIC_DIR"),
		SkillsDir: filepath.Join(cfg.DataDir, "skills"),
	})

	hub.StartAll(ctx)
	cronSvc.Start(ctx)
	hb.Start(ctx)

	// Announce ourselves in the predecessor's session, if we are a
	// successor process.
	go mgr.Resume(ctx, restart.SuccessorOptions{
		Runner:        rt,
		ChannelsReady: hub.Ready,
		RawSend:       hub.Deliver,
		Hydrate: func(ctx context.Context, sessionKey string) {
			rt.Hydrate(ctx, sessionKey)
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("management api failed", "error", err)
		}
	}

	server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
	cancel()
	hub.StopAll()
	queue.Wait()
	flushBuffers(buffer, arch)
	slog.Info("goodbye")
}

// flushBuffers archives every buffered turn so nothing is lost across a
// stop. Uses a fresh context; the run context is already cancelled.
func flushBuffers(buffer *sessions.Buffer, arch *archive.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for key, turns := range buffer.FlushAll() {
		if err := arch.Archive(ctx, turns); err != nil {
			slog.Warn("flush session buffer", "session", key, "error", err)
		}
	}
}

// resolveTransport picks the model endpoint from the environment. An
// OpenRouter key wins because it can reach every provider/model ref;
// otherwise the provider-native OpenAI-compatible endpoints are used.
func resolveTransport() (agent.Transport, error) {
	if base := os.Getenv("LLM_BASE_URL"); base != "" {
		t := agent.NewHTTPTransport(base, os.Getenv("LLM_API_KEY"))
		t.KeepProviderPrefix = os.Getenv("LLM_KEEP_PROVIDER_PREFIX") == "true"
		return t, nil
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		t := agent.NewHTTPTransport("https://openrouter.ai/api/v1", key)
		t.KeepProviderPrefix = true
		return t, nil
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return agent.NewAnthropicTransport(key), nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return agent.NewHTTPTransport("https://api.openai.com/v1", key), nil
	}
	return nil, fmt.Errorf("set OPENROUTER_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY or LLM_BASE_URL")
}

// supervisorCommand reads the restart supervisor invocation, e.g.
// "systemctl --user restart attache". Without one, restart requests
// still write the sentinel but report that no supervisor is configured.
func supervisorCommand() []string {
	v := os.Getenv("ATTACHE_RESTART_CMD")
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}
