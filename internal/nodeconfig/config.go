// Package nodeconfig loads node configuration from an optional YAML
// file layered under command-line flags, and owns the persisted node
// state (identity and pairing token).
package nodeconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the node's full runtime configuration. YAML keys mirror
// the flag names.
type Config struct {
	Gateway   string `yaml:"gateway"`
	StatePath string `yaml:"statePath"`
	Config    string `yaml:"-"`

	NodeID          string          `yaml:"nodeId"`
	DisplayName     string          `yaml:"displayName"`
	Platform        string          `yaml:"platform"`
	Version         string          `yaml:"version"`
	DeviceFamily    string          `yaml:"deviceFamily"`
	ModelIdentifier string          `yaml:"modelIdentifier"`
	Caps            []string        `yaml:"caps"`
	Commands        []string        `yaml:"commands"`
	Permissions     map[string]bool `yaml:"permissions"`
	PairSilent      bool            `yaml:"pairSilent"`

	SessionKey     string `yaml:"sessionKey"`
	ChatSessionKey string `yaml:"chatSessionKey"`
	ChatSubscribe  bool   `yaml:"chatSubscribe"`
	AgentRequest   bool   `yaml:"agentRequest"`
	Deliver        bool   `yaml:"deliver"`
	DeliverChannel string `yaml:"deliverChannel"`
	DeliverTo      string `yaml:"deliverTo"`
	RoutingPolicy  string `yaml:"routingPolicy"`

	VoiceEngine    string   `yaml:"voiceEngine"`
	VoiceCommand   string   `yaml:"voiceCommand"`
	VoiceArgs      []string `yaml:"voiceArgs"`
	StdinMode      bool     `yaml:"stdin"`
	StdinPath      string   `yaml:"stdinFile"`
	TranscriptRate float64  `yaml:"transcriptRate"`
	WakeTriggers   []string `yaml:"wakeTriggers"`

	TTSEngine  string `yaml:"ttsEngine"`
	TTSCommand string `yaml:"ttsCommand"`
	TTSVoice   string `yaml:"ttsVoice"`
	TTSRate    int    `yaml:"ttsRate"`

	CameraEnabled    bool     `yaml:"cameraEnabled"`
	ScreencapCommand string   `yaml:"screencapCommand"`
	ScreencapArgs    []string `yaml:"screencapArgs"`
	MuxCommand       string   `yaml:"muxCommand"`
	MuxArgs          []string `yaml:"muxArgs"`
	RecordDir        string   `yaml:"recordDir"`

	PingInterval time.Duration `yaml:"pingInterval"`
	MDNSEnabled  bool          `yaml:"mdns"`
	MDNSService  string        `yaml:"mdnsService"`
	MDNSDomain   string        `yaml:"mdnsDomain"`
	MDNSName     string        `yaml:"mdnsName"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Gateway:        "127.0.0.1:18790",
		StatePath:      defaultStatePath(),
		Platform:       "linux",
		Version:        "dev",
		Caps:           []string{"voiceWake"},
		SessionKey:     "main",
		ChatSubscribe:  true,
		RoutingPolicy:  "default",
		VoiceEngine:    "line",
		VoiceCommand:   "brabble",
		TranscriptRate: 2,
		TTSEngine:      "system",
		TTSCommand:     "espeak-ng",
		TTSVoice:       "en-us",
		TTSRate:        180,
		PingInterval:   30 * time.Second,
		MDNSEnabled:    true,
		MDNSService:    "_clawdbot-node._tcp",
		MDNSDomain:     "local.",
	}
}

// Load builds the configuration for a subcommand: defaults, then the
// YAML file named by --config (if any), then explicit flags on top.
func Load(cmd string, args []string) (Config, error) {
	cfg := Defaults()
	if path := configPathFromArgs(args); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
		cfg.Config = path
	}
	fs := cfg.flagSet(cmd)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) flagSet(cmd string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	fs.StringVar(&c.Config, "config", c.Config, "path to YAML config file")
	fs.StringVar(&c.Gateway, "gateway", c.Gateway, "gateway endpoint (host:port or ws:// URL)")
	fs.StringVar(&c.StatePath, "state", c.StatePath, "path to node state JSON")
	fs.StringVar(&c.NodeID, "node-id", c.NodeID, "override node id")
	fs.StringVar(&c.DisplayName, "display-name", c.DisplayName, "friendly display name")
	fs.StringVar(&c.Platform, "platform", c.Platform, "platform label")
	fs.StringVar(&c.Version, "version", c.Version, "client version string")
	fs.StringVar(&c.DeviceFamily, "device-family", c.DeviceFamily, "device family")
	fs.StringVar(&c.ModelIdentifier, "model-identifier", c.ModelIdentifier, "model identifier")
	fs.StringSliceVar(&c.Caps, "caps", c.Caps, "capabilities to advertise")
	fs.StringSliceVar(&c.Commands, "commands", c.Commands, "commands to advertise (default: full routing table)")
	fs.BoolVar(&c.PairSilent, "pair-silent", c.PairSilent, "request silent pairing")
	fs.StringVar(&c.SessionKey, "session-key", c.SessionKey, "session key for voice.transcript")
	fs.StringVar(&c.ChatSessionKey, "chat-session-key", c.ChatSessionKey, "session key for chat events")
	fs.BoolVar(&c.ChatSubscribe, "chat-subscribe", c.ChatSubscribe, "speak chat responses via TTS")
	fs.BoolVar(&c.AgentRequest, "agent-request", c.AgentRequest, "send agent.request instead of voice.transcript")
	fs.BoolVar(&c.Deliver, "deliver", c.Deliver, "deliver agent response to a channel")
	fs.StringVar(&c.DeliverChannel, "deliver-channel", c.DeliverChannel, "delivery channel")
	fs.StringVar(&c.DeliverTo, "deliver-to", c.DeliverTo, "delivery destination id")
	fs.StringVar(&c.RoutingPolicy, "router", c.RoutingPolicy, "transcript routing policy")
	fs.StringVar(&c.VoiceEngine, "voice-engine", c.VoiceEngine, "transcript engine (line, exec)")
	fs.StringVar(&c.VoiceCommand, "voice-command", c.VoiceCommand, "recognizer command for the exec engine")
	fs.StringSliceVar(&c.VoiceArgs, "voice-args", c.VoiceArgs, "recognizer arguments")
	fs.BoolVar(&c.StdinMode, "stdin", c.StdinMode, "read stdin lines as transcripts")
	fs.StringVar(&c.StdinPath, "stdin-file", c.StdinPath, "read transcript lines from a file/FIFO")
	fs.Float64Var(&c.TranscriptRate, "transcript-rate", c.TranscriptRate, "max transcript events per second")
	fs.StringSliceVar(&c.WakeTriggers, "wake-triggers", c.WakeTriggers, "initial wake trigger phrases")
	fs.StringVar(&c.TTSEngine, "tts-engine", c.TTSEngine, "TTS engine (system, none)")
	fs.StringVar(&c.TTSCommand, "tts-command", c.TTSCommand, "binary for system TTS")
	fs.StringVar(&c.TTSVoice, "tts-voice", c.TTSVoice, "voice id for system TTS")
	fs.IntVar(&c.TTSRate, "tts-rate", c.TTSRate, "speech rate for system TTS")
	fs.BoolVar(&c.CameraEnabled, "camera", c.CameraEnabled, "enable camera commands")
	fs.StringVar(&c.ScreencapCommand, "screencap-command", c.ScreencapCommand, "screen capture tool")
	fs.StringSliceVar(&c.ScreencapArgs, "screencap-args", c.ScreencapArgs, "screen capture tool arguments")
	fs.StringVar(&c.MuxCommand, "mux-command", c.MuxCommand, "MP4 muxer tool")
	fs.StringSliceVar(&c.MuxArgs, "mux-args", c.MuxArgs, "MP4 muxer tool arguments")
	fs.StringVar(&c.RecordDir, "record-dir", c.RecordDir, "directory for temporary recordings")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "gateway ping interval")
	fs.BoolVar(&c.MDNSEnabled, "mdns", c.MDNSEnabled, "advertise mDNS presence")
	fs.StringVar(&c.MDNSService, "mdns-service", c.MDNSService, "mDNS service type")
	fs.StringVar(&c.MDNSDomain, "mdns-domain", c.MDNSDomain, "mDNS domain")
	fs.StringVar(&c.MDNSName, "mdns-name", c.MDNSName, "mDNS instance name override")
	return fs
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Gateway = strings.TrimSpace(c.Gateway)
	c.StatePath = strings.TrimSpace(c.StatePath)
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.DisplayName = strings.TrimSpace(c.DisplayName)
	c.SessionKey = strings.TrimSpace(c.SessionKey)
	c.ChatSessionKey = strings.TrimSpace(c.ChatSessionKey)
	if c.ChatSessionKey == "" {
		c.ChatSessionKey = c.SessionKey
	}
	if c.DeviceFamily == "" {
		c.DeviceFamily = detectDeviceFamily()
	}
	if c.DeviceFamily == "" {
		c.DeviceFamily = "linux"
	}
	if c.RecordDir == "" {
		c.RecordDir = os.TempDir()
	}
}

// configPathFromArgs pre-scans for --config so the file can seed flag
// defaults.
func configPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(args) {
				return strings.TrimSpace(args[i+1])
			}
			return ""
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		}
	}
	return ""
}

func detectDeviceFamily() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	if strings.Contains(strings.ToLower(string(data)), "raspberry pi") {
		return "raspi"
	}
	return ""
}

// View is the read-only configuration surface handed to the
// dispatcher.
type View struct {
	cfg   *Config
	state *State
}

func NewView(cfg *Config, state *State) View {
	return View{cfg: cfg, state: state}
}

func (v View) CameraEnabled() bool { return v.cfg.CameraEnabled }

func (v View) DisplayName() string {
	if v.state != nil && v.state.DisplayName != "" {
		return v.state.DisplayName
	}
	return v.cfg.DisplayName
}

func (v View) InstanceID() string {
	if v.state != nil {
		return v.state.NodeID
	}
	return v.cfg.NodeID
}
