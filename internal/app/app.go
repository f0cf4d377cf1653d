// Package app wires configuration into a running voice session: observability
// providers, the cross-process session lock, pipeline components, the chosen
// audio transport, and — for the WebSocket transport — the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceloop/internal/claude"
	"github.com/MrWong99/voiceloop/internal/config"
	"github.com/MrWong99/voiceloop/internal/endpoint"
	"github.com/MrWong99/voiceloop/internal/health"
	"github.com/MrWong99/voiceloop/internal/narrate"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/session"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/stt"
	"github.com/MrWong99/voiceloop/pkg/transport"
	"github.com/MrWong99/voiceloop/pkg/transport/local"
	wstransport "github.com/MrWong99/voiceloop/pkg/transport/ws"
	"github.com/MrWong99/voiceloop/pkg/tts"
	"github.com/MrWong99/voiceloop/pkg/vad"
)

// App owns every long-lived resource of the process.
type App struct {
	cfg     *config.Config
	lock    *session.Lock
	metrics *observe.Metrics

	sttProc *stt.Processor
	synth   tts.Synthesizer
	agent   *claude.Session
	chime   []byte
	greet   []byte

	observeShutdown func(context.Context) error

	// one live session at a time within a process
	sessionMu sync.Mutex

	httpServer *http.Server
}

// New acquires the session lock and constructs every component that is shared
// across transports. Construction failures are precondition failures: the
// caller reports them and exits.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voiceloop"})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.observeShutdown = shutdown

	a.metrics = observe.DefaultMetrics()

	lock, err := session.AcquireLock(cfg.Session.MaxConcurrentSessions)
	if err != nil {
		return nil, err
	}
	a.lock = lock

	if err := a.buildComponents(ctx); err != nil {
		_ = lock.Release()
		return nil, err
	}
	return a, nil
}

// buildComponents constructs STT, TTS, the agent backend, and the cached
// audio assets.
func (a *App) buildComponents(ctx context.Context) error {
	cfg := a.cfg

	// STT engine.
	var engine stt.Engine
	var err error
	sttModel := resolveModelPath(cfg.ModelCacheDir, cfg.STT.ModelPath)
	switch cfg.STT.Engine {
	case config.STTWhisperCPP:
		engine, err = stt.NewWhisperCPPEngine(sttModel, cfg.STT.Language)
	default:
		engine, err = stt.NewSherpaEngine(sttModel, 0)
	}
	if err != nil {
		return err
	}
	a.sttProc, err = stt.NewProcessor(engine)
	if err != nil {
		return err
	}

	// TTS synthesizer.
	switch cfg.TTS.Backend {
	case config.TTSHTTP:
		a.synth, err = tts.NewHTTPSynthesizer(tts.HTTPConfig{
			URL:   cfg.TTS.URL,
			Model: cfg.TTS.Model,
			Voice: cfg.TTS.Voice,
		})
	default:
		command := append([]string{}, cfg.TTS.Command...)
		if cfg.TTS.Model != "" {
			command = append(command, "--model", cfg.TTS.Model)
		}
		if cfg.TTS.Voice != "" {
			command = append(command, "--voice", cfg.TTS.Voice)
		}
		a.synth, err = tts.NewSubprocessSynthesizer(ctx, tts.SubprocessConfig{Command: command})
	}
	if err != nil {
		return err
	}

	// Agent backend: spawned once, survives across turns.
	a.agent, err = claude.NewSession(ctx, claude.Config{
		Command:        cfg.Claude.Command,
		SystemPrompt:   cfg.Claude.SystemPrompt,
		PermissionMode: cfg.Claude.PermissionMode,
		AllowedTools:   cfg.Claude.AllowedTools,
	})
	if err != nil {
		return err
	}

	// Cached audio assets.
	a.chime, err = loadPCMAsset(cfg.Transport.ChimePath, true)
	if err != nil {
		return err
	}
	a.greet, err = loadPCMAsset(cfg.Transport.GreetingPath, false)
	if err != nil {
		return err
	}
	return nil
}

// loadPCMAsset decodes a WAV file to 24 kHz PCM. Chimes additionally pass
// the lead-in and duration validation; with no path configured the chime
// falls back to the built-in tone while the greeting stays absent.
func loadPCMAsset(path string, chime bool) ([]byte, error) {
	if path == "" {
		if chime {
			return audio.BuiltinChime(), nil
		}
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: read audio asset %q: %w", path, err)
	}
	var pcm []byte
	if chime {
		pcm, err = audio.DecodeChime(data)
	} else {
		pcm, err = audio.DecodeWAV24k(data)
	}
	if err != nil {
		return nil, fmt.Errorf("app: decode audio asset %q: %w", path, err)
	}
	return pcm, nil
}

// Run blocks until the process context is cancelled or the session ends. For
// local transports it runs a single session; for the ws transport it serves
// sessions over HTTP.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Transport.Kind == config.TransportWS {
		return a.runServer(ctx)
	}
	return a.runLocal(ctx)
}

// runLocal opens the configured local adapter and drives one session on it.
// The stop phrase ends the session, which ends the process.
func (a *App) runLocal(ctx context.Context) error {
	adapter, err := a.buildLocalAdapter(ctx)
	if err != nil {
		return err
	}
	defer adapter.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	controller, err := a.newController(adapter, a.cfg.Session.InterruptionThresholdMs, cancel)
	if err != nil {
		return err
	}

	err = controller.Run(sessionCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildLocalAdapter constructs the local transport named by the config.
func (a *App) buildLocalAdapter(ctx context.Context) (transport.Adapter, error) {
	switch a.cfg.Transport.Kind {
	case config.TransportHelper:
		return local.NewHelperAdapter(ctx, local.HelperConfig{
			Binary: a.cfg.Transport.HelperBinary,
			Chime:  a.chime,
		})
	case config.TransportPulse:
		return local.NewPulseAdapter(ctx, local.PulseConfig{
			Source: a.cfg.Transport.PulseSource,
			Sink:   a.cfg.Transport.PulseSink,
			Chime:  a.chime,
		})
	default:
		return local.NewDeviceAdapter(local.DeviceConfig{Chime: a.chime})
	}
}

// runServer serves the WebSocket transport: /audio (browser) and
// /media/{callToken} (telephony), plus /metrics and health probes.
func (a *App) runServer(ctx context.Context) error {
	wsServer := wstransport.NewServer(wstransport.Config{
		DeviceTokens: a.cfg.Transport.DeviceTokens,
		Chime:        a.chime,
	}, a.runRemoteSession)

	mux := http.NewServeMux()
	wsServer.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Checker{
		Name: "agent",
		Check: func(context.Context) error {
			if !a.agent.Alive() {
				return errors.New("agent backend is not running")
			}
			return nil
		},
	}).Register(mux)

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// runRemoteSession drives one voice session on an accepted WebSocket
// connection. The ws server rejects duplicate tokens; this mutex additionally
// rejects concurrent sessions under distinct tokens, because the STT, TTS and
// agent resources exist once per process.
func (a *App) runRemoteSession(ctx context.Context, adapter transport.Adapter, kind string) {
	if !a.sessionMu.TryLock() {
		slog.Warn("rejecting connection: a session is already active", "kind", kind)
		return
	}
	defer a.sessionMu.Unlock()

	thresholdMs := a.cfg.Session.InterruptionThresholdMs
	if kind == "telephony" {
		thresholdMs = 2000
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	controller, err := a.newController(adapter, thresholdMs, cancel)
	if err != nil {
		slog.Error("session construction failed", "err", err)
		return
	}
	if err := controller.Run(sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("session ended with error", "kind", kind, "err", err)
	}
}

// newController assembles the per-session component graph around an adapter.
func (a *App) newController(adapter transport.Adapter, thresholdMs int, endSession context.CancelFunc) (*session.Controller, error) {
	cfg := a.cfg

	var detector vad.Detector
	if cfg.VAD.ModelPath != "" {
		d, err := vad.NewSileroDetector(resolveModelPath(cfg.ModelCacheDir, cfg.VAD.ModelPath), cfg.VAD.Threshold)
		if err != nil {
			return nil, err
		}
		detector = d
	} else {
		slog.Info("no VAD model configured; using energy detector")
		detector = vad.NewEnergyDetector(0)
	}

	var classifier endpoint.Classifier
	if cfg.Endpointing.EnableSemanticFallback {
		c, err := endpoint.NewOpenAIClassifier(cfg.Endpointing.OpenAIAPIKey, cfg.Endpointing.ClassifierModel)
		if err != nil {
			return nil, err
		}
		classifier = c
	}
	endpointer, err := endpoint.New(endpoint.Config{
		MinWordCountForFastPath: cfg.Endpointing.MinWordCountForFastPath,
		EnableSemanticFallback:  cfg.Endpointing.EnableSemanticFallback,
		MaxSilenceBeforeTimeout: time.Duration(cfg.Endpointing.MaxSilenceBeforeTimeoutMs) * time.Millisecond,
	}, classifier)
	if err != nil {
		return nil, err
	}

	player, err := tts.NewPlayer(a.synth, adapter)
	if err != nil {
		return nil, err
	}

	narrator := narrate.New(time.Duration(cfg.Narration.SummaryIntervalMs) * time.Millisecond)

	return session.NewController(session.Config{
		StopPhrase:            cfg.Session.StopPhrase,
		StopPhraseMaxDistance: cfg.Session.StopPhraseMaxDistance,
		InterruptionThreshold: time.Duration(thresholdMs) * time.Millisecond,
		Greeting:              a.greet,
	}, session.Deps{
		Adapter:    adapter,
		Detector:   detector,
		VADConfig:  a.vadConfig(),
		STT:        a.sttProc,
		Endpointer: endpointer,
		Agent:      a.agent,
		Narrator:   narrator,
		Player:     player,
		Metrics:    a.metrics,
		OnSessionEnd: func() {
			slog.Info("session end requested")
			endSession()
		},
	})
}

// vadConfig maps config durations onto the processor's frame counts. The
// endpointing silence threshold, when set, overrides the VAD redemption
// window so the two stages agree on when a turn has gone quiet.
func (a *App) vadConfig() vad.Config {
	silenceMs := a.cfg.VAD.SilenceThresholdMs
	if a.cfg.Endpointing.SilenceThresholdMs > 0 {
		silenceMs = a.cfg.Endpointing.SilenceThresholdMs
	}
	return vad.Config{
		ActivationThreshold: a.cfg.VAD.Threshold,
		RedemptionFrames:    vad.FramesForDuration(silenceMs),
	}
}

// resolveModelPath resolves a relative model path against the model cache
// directory. Absolute paths and empty cache dirs pass through, and a leading
// ~ expands to the user's home.
func resolveModelPath(cacheDir, path string) string {
	cacheDir = expandHome(cacheDir)
	path = expandHome(path)
	if path == "" || filepath.IsAbs(path) || cacheDir == "" {
		return path
	}
	return filepath.Join(cacheDir, path)
}

// expandHome rewrites a leading ~/ to the user's home directory.
func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
		}
	}
	return p
}

// Shutdown releases everything in reverse construction order.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.agent != nil {
		errs = append(errs, a.agent.Close())
	}
	if a.synth != nil {
		errs = append(errs, a.synth.Close())
	}
	if a.sttProc != nil {
		errs = append(errs, a.sttProc.Destroy())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	if a.observeShutdown != nil {
		errs = append(errs, a.observeShutdown(ctx))
	}
	return errors.Join(errs...)
}
