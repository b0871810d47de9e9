package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"github.com/clawdbot/clawnode/internal/bridge"
	"github.com/clawdbot/clawnode/internal/capture"
	"github.com/clawdbot/clawnode/internal/dispatch"
	"github.com/clawdbot/clawnode/internal/nodeconfig"
	"github.com/clawdbot/clawnode/internal/routing"
	"github.com/clawdbot/clawnode/internal/shell"
	"github.com/clawdbot/clawnode/internal/supervisor"
	"github.com/clawdbot/clawnode/internal/voicewake"
	"github.com/clawdbot/clawnode/modules/audio"
	"github.com/clawdbot/clawnode/modules/camera"
	"github.com/clawdbot/clawnode/modules/canvas"
	"github.com/clawdbot/clawnode/modules/mux"
	"github.com/clawdbot/clawnode/modules/screencap"
	"github.com/clawdbot/clawnode/modules/speech"
	"github.com/clawdbot/clawnode/modules/voice"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "pair", "run":
		cfg, err := nodeconfig.Load(cmd, os.Args[2:])
		if err != nil {
			fatal(err)
		}
		if cmd == "pair" {
			err = runPair(cfg)
		} else {
			err = runNode(cfg)
		}
		if err != nil {
			fatal(err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: clawnode <pair|run> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "  pair   Pair this node with the gateway and store the issued token")
	fmt.Fprintln(os.Stderr, "  run    Run the node agent (pairs automatically when no token is stored)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Run 'clawnode <command> --help' for the full flag list.")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "clawnode: %v\n", err)
	os.Exit(1)
}

func runPair(cfg nodeconfig.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logf := stderrLogf()
	state, err := nodeconfig.LoadOrInitState(cfg)
	if err != nil {
		return err
	}
	token, err := bridge.Pair(ctx, cfg.Gateway, handshake(cfg, state, nil), logf)
	if err != nil {
		return err
	}
	state.Token = token
	if err := nodeconfig.SaveState(cfg.StatePath, state); err != nil {
		return err
	}
	logf("paired ok; token saved to %s", cfg.StatePath)
	return nil
}

func runNode(cfg nodeconfig.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logf := stderrLogf()
	state, err := nodeconfig.LoadOrInitState(cfg)
	if err != nil {
		return err
	}
	if strings.TrimSpace(state.Token) == "" {
		logf("no token found; requesting pairing")
		token, err := bridge.Pair(ctx, cfg.Gateway, handshake(cfg, state, nil), logf)
		if err != nil {
			return err
		}
		state.Token = token
		if err := nodeconfig.SaveState(cfg.StatePath, state); err != nil {
			return err
		}
		logf("paired ok; token saved to %s", cfg.StatePath)
	}

	holder := &sessionHolder{}
	transport := gatewayTransport{holder: holder}
	router, err := routing.New(cfg.RoutingPolicy, routing.Config{
		SessionKey:     cfg.SessionKey,
		AgentRequest:   cfg.AgentRequest,
		Deliver:        cfg.Deliver,
		DeliverChannel: cfg.DeliverChannel,
		DeliverTo:      cfg.DeliverTo,
	}, transport, logf)
	if err != nil {
		return err
	}
	forwarder := voice.NewForwarder(router, cfg.TranscriptRate, logf)

	transcripts, err := buildTranscripts(ctx, cfg, logf)
	if err != nil {
		return err
	}

	hostShell := shell.NewHeadless(logf)
	source := screencap.NewExecSource(screencap.Config{Command: cfg.ScreencapCommand, Args: cfg.ScreencapArgs}, logf)
	writers := mux.Factory(mux.Config{Command: cfg.MuxCommand, Args: cfg.MuxArgs}, logf)
	recorder := capture.NewRecorder(source, writers, cfg.RecordDir, logf)
	dispatcher := dispatch.New(dispatch.Options{
		Config:   nodeconfig.NewView(&cfg, state),
		Shell:    hostShell,
		Canvas:   canvas.Disabled{},
		A2UI:     canvas.Disabled{},
		Camera:   camera.Disabled{},
		Recorder: recorder,
		Audio:    forwarder,
		Logf:     logf,
	})

	store := voicewake.NewStore(cfg.WakeTriggers, func(triggers []string) {
		logf("voicewake triggers: %s", strings.Join(triggers, ", "))
	})
	chat := buildChatSubscriber(cfg, logf)

	var mdnsOnce sync.Once
	var mdnsCleanup func()
	defer func() {
		if mdnsCleanup != nil {
			mdnsCleanup()
		}
	}()

	sup := supervisor.New(supervisor.Options{
		OnInvoke:  dispatcher.Handle,
		OnRequest: store.HandleRequest,
		OnSession: func(sessCtx context.Context, sess *bridge.Session) {
			holder.set(sess)
			defer holder.clear(sess)
			mdnsOnce.Do(func() {
				mdnsCleanup = startMDNS(cfg, state, logf)
			})
			g, gctx := errgroup.WithContext(sessCtx)
			g.Go(func() error {
				voicewake.RunSync(gctx, sess, store, logf)
				return nil
			})
			if chat != nil {
				if err := subscribeChat(sess, cfg.ChatSessionKey); err != nil {
					logf("chat.subscribe failed: %v", err)
				}
				events, cancelSub := sess.SubscribeEvents(32)
				defer cancelSub()
				g.Go(func() error {
					chat.Run(gctx, events)
					return nil
				})
			}
			_ = g.Wait()
		},
		Logf: logf,
	})
	sup.Connect(cfg.Gateway, handshake(cfg, state, dispatcher.Commands()))
	defer sup.Disconnect()

	g, gctx := errgroup.WithContext(ctx)
	if transcripts != nil {
		g.Go(func() error {
			forwarder.Run(gctx, transcripts)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func handshake(cfg nodeconfig.Config, state *nodeconfig.State, defaultCommands []string) bridge.Handshake {
	commands := cfg.Commands
	if len(commands) == 0 {
		commands = defaultCommands
	}
	return bridge.Handshake{
		NodeID:          state.NodeID,
		DisplayName:     state.DisplayName,
		Token:           state.Token,
		Platform:        cfg.Platform,
		Version:         cfg.Version,
		DeviceFamily:    cfg.DeviceFamily,
		ModelIdentifier: cfg.ModelIdentifier,
		Caps:            cfg.Caps,
		Commands:        commands,
		Permissions:     cfg.Permissions,
		PairSilent:      cfg.PairSilent,
		PingInterval:    cfg.PingInterval,
	}
}

func stderrLogf() func(string, ...any) {
	return func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// buildTranscripts starts the configured transcript engine. A nil
// channel with nil error means voice input is not configured.
func buildTranscripts(ctx context.Context, cfg nodeconfig.Config, logf func(string, ...any)) (<-chan voice.Transcript, error) {
	switch cfg.VoiceEngine {
	case "line":
		if !cfg.StdinMode && cfg.StdinPath == "" {
			return nil, nil
		}
		var input audio.Capture
		if cfg.StdinPath != "" {
			input = audio.NewLineCaptureFromPath(cfg.StdinPath, logf)
		} else {
			input = audio.NewLineCapture("stdin", os.Stdin, logf)
		}
		frames, err := input.Start(ctx)
		if err != nil {
			return nil, err
		}
		engine := voice.NewLineEngine()
		logf("voice: %s capture=%s", engine.Name(), input.Name())
		return engine.Transcribe(ctx, frames, voice.Options{})
	case "exec":
		engine := voice.NewExecEngine(voice.ExecConfig{Command: cfg.VoiceCommand, Args: cfg.VoiceArgs}, logf)
		logf("voice: %s cmd=%s", engine.Name(), cfg.VoiceCommand)
		return engine.Transcribe(ctx, nil, voice.Options{})
	default:
		return nil, fmt.Errorf("unknown voice engine: %s", cfg.VoiceEngine)
	}
}

func buildChatSubscriber(cfg nodeconfig.Config, logf func(string, ...any)) *speech.ChatSubscriber {
	if !cfg.ChatSubscribe {
		return nil
	}
	switch cfg.TTSEngine {
	case "", "none":
		return nil
	case "system":
		engine, err := speech.NewExecEngine(cfg.TTSCommand, cfg.TTSVoice, cfg.TTSRate)
		if err != nil {
			logf("tts disabled: %v", err)
			return nil
		}
		return speech.NewChatSubscriber(cfg.ChatSessionKey, speech.NewQueue(engine, logf), logf)
	default:
		logf("tts disabled: unknown engine %q", cfg.TTSEngine)
		return nil
	}
}

func subscribeChat(sess *bridge.Session, sessionKey string) error {
	payload, err := json.Marshal(map[string]string{"sessionKey": sessionKey})
	if err != nil {
		return err
	}
	return sess.SendEvent("chat.subscribe", string(payload))
}

// sessionHolder tracks the current gateway session across reconnects.
type sessionHolder struct {
	mu   sync.Mutex
	sess *bridge.Session
}

func (h *sessionHolder) set(s *bridge.Session) {
	h.mu.Lock()
	h.sess = s
	h.mu.Unlock()
}

// clear drops the session only if it is still current; a newer session
// may already have replaced it.
func (h *sessionHolder) clear(s *bridge.Session) {
	h.mu.Lock()
	if h.sess == s {
		h.sess = nil
	}
	h.mu.Unlock()
}

func (h *sessionHolder) current() (*bridge.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		return nil, errors.New("not connected to gateway")
	}
	return h.sess, nil
}

// gatewayTransport routes transcripts over whichever session is
// currently live.
type gatewayTransport struct {
	holder *sessionHolder
}

func (t gatewayTransport) SendVoiceTranscript(sessionKey, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	sess, err := t.holder.current()
	if err != nil {
		return err
	}
	payload := map[string]any{"text": text}
	if sessionKey != "" {
		payload["sessionKey"] = sessionKey
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return sess.SendEvent("voice.transcript", string(payloadJSON))
}

func (t gatewayTransport) SendAgentRequest(sessionKey, text string, deliver bool, channel, to string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	sess, err := t.holder.current()
	if err != nil {
		return err
	}
	payload := map[string]any{"message": text}
	if sessionKey != "" {
		payload["sessionKey"] = sessionKey
	}
	if deliver && channel != "" {
		payload["deliver"] = true
		payload["channel"] = channel
		if to != "" {
			payload["to"] = to
		}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return sess.SendEvent("agent.request", string(payloadJSON))
}

func startMDNS(cfg nodeconfig.Config, state *nodeconfig.State, logf func(string, ...any)) func() {
	if !cfg.MDNSEnabled {
		return nil
	}
	service := strings.TrimSpace(cfg.MDNSService)
	if service == "" {
		service = "_clawdbot-node._tcp"
	}
	domain := strings.TrimSpace(cfg.MDNSDomain)
	if domain == "" {
		domain = "local."
	}
	name := strings.TrimSpace(cfg.MDNSName)
	if name == "" {
		name = strings.TrimSpace(state.DisplayName)
	}
	if name == "" {
		name = hostLabel()
	}
	if !strings.Contains(strings.ToLower(name), "clawdbot") {
		name = fmt.Sprintf("%s (Clawdbot)", name)
	}

	gatewayHost, gatewayPort := parseGatewayAddr(cfg.Gateway)
	txt := []string{
		"role=node",
		fmt.Sprintf("displayName=%s", prettifyInstanceName(name)),
		fmt.Sprintf("lanHost=%s.local", hostLabel()),
		fmt.Sprintf("nodeId=%s", state.NodeID),
		"transport=node",
	}
	if gatewayHost != "" {
		txt = append(txt, fmt.Sprintf("gatewayHost=%s", gatewayHost))
	}
	if gatewayPort > 0 {
		txt = append(txt, fmt.Sprintf("gatewayPort=%d", gatewayPort))
	}
	if cfg.Platform != "" {
		txt = append(txt, fmt.Sprintf("platform=%s", cfg.Platform))
	}
	if cfg.Version != "" {
		txt = append(txt, fmt.Sprintf("version=%s", cfg.Version))
	}
	if cfg.DeviceFamily != "" {
		txt = append(txt, fmt.Sprintf("deviceFamily=%s", cfg.DeviceFamily))
	}
	if cfg.ModelIdentifier != "" {
		txt = append(txt, fmt.Sprintf("modelIdentifier=%s", cfg.ModelIdentifier))
	}

	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		logf("mdns listen failed: %v", err)
		return nil
	}
	port := listener.Addr().(*net.TCPAddr).Port
	server, err := zeroconf.Register(name, service, domain, port, txt, nil)
	if err != nil {
		_ = listener.Close()
		logf("mdns register failed: %v", err)
		return nil
	}
	logf("mdns: advertised %s on %s (%s) port=%d", name, service, domain, port)
	return func() {
		server.Shutdown()
		_ = listener.Close()
	}
}

func hostLabel() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "clawnode"
	}
	host = strings.TrimSuffix(strings.TrimSpace(host), ".local")
	if idx := strings.Index(host, "."); idx > 0 {
		host = host[:idx]
	}
	return host
}

func prettifyInstanceName(name string) string {
	normalized := strings.TrimSpace(strings.Join(strings.Fields(name), " "))
	if normalized == "" {
		return name
	}
	suffix := " (clawdbot)"
	if strings.HasSuffix(strings.ToLower(normalized), suffix) {
		normalized = strings.TrimSpace(normalized[:len(normalized)-len(suffix)])
	}
	return normalized
}

// parseGatewayAddr extracts host and port from either a bare host:port
// or a ws:// / wss:// URL.
func parseGatewayAddr(addr string) (string, int) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0
	}
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", 0
		}
		port, _ := strconv.Atoi(u.Port())
		return u.Hostname(), port
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
