package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is built once at startup and shared read-only by every stage.
type Config struct {
	Audio   AudioConfig   `yaml:"audio"`
	Hub     HubConfig     `yaml:"hub"`
	VAD     VADConfig     `yaml:"vad"`
	ASR     ASRConfig     `yaml:"asr"`
	SLU     SLUConfig     `yaml:"slu"`
	NLU     NLUConfig     `yaml:"nlu"`
	TTS     TTSConfig     `yaml:"tts"`
	VoipIO  VoipIOConfig  `yaml:"voipio"`
	Turn    TurnConfig    `yaml:"turn"`
	Limits  LimitsConfig  `yaml:"limits"`
	Script  ScriptConfig  `yaml:"script"`
	CallDB  CallDBConfig  `yaml:"calldb"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	IPC     IPCConfig     `yaml:"ipc"`
}

type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	SamplesPerFrame int `yaml:"samples_per_frame"`
}

// FrameDuration is the wall time covered by one frame.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.SamplesPerFrame) * time.Second / time.Duration(a.SampleRate)
}

type HubConfig struct {
	Tick          time.Duration `yaml:"tick"`
	MaxCalls      int           `yaml:"max_calls"`
	ChannelBuffer int           `yaml:"channel_buffer"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
}

type VADConfig struct {
	PowerThreshold           float64 `yaml:"power_threshold"`
	PowerThresholdMultiplier float64 `yaml:"power_threshold_multiplier"`
	PowerAdaptationFrames    int     `yaml:"power_adaptation_frames"`
	DecisionFramesSpeech     int     `yaml:"decision_frames_speech"`
	DecisionFramesSil        int     `yaml:"decision_frames_sil"`
	SpeechThreshold          float64 `yaml:"speech_threshold"`
	NonSpeechThreshold       float64 `yaml:"non_speech_threshold"`
	SpeechBufferFrames       int     `yaml:"speech_buffer_frames"`
	SaveSegments             bool    `yaml:"save_segments"`
}

type ASRConfig struct {
	Engine     string        `yaml:"engine"`
	Model      string        `yaml:"model"`
	Language   string        `yaml:"language"`
	Threads    int           `yaml:"threads"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxBacklog int           `yaml:"max_backlog"`
	NBest      int           `yaml:"nbest"`
	Mass       float64       `yaml:"expand_upto_total_prob_mass"`
}

type SLUConfig struct {
	Classifier string            `yaml:"classifier"`
	Phrases    map[string]string `yaml:"phrases"`
	Timeout    time.Duration     `yaml:"timeout"`
	NBest      int               `yaml:"nbest"`
}

type NLUConfig struct {
	Model  string `yaml:"model"`
	Proxy  string `yaml:"proxy"`
	APIKey string `yaml:"-"`
}

type TTSConfig struct {
	Engine              string            `yaml:"engine"`
	Voice               string            `yaml:"voice"`
	Speed               int               `yaml:"speed"`
	Timeout             time.Duration     `yaml:"timeout"`
	FinalSilenceRemoval bool              `yaml:"final_silence_removal"`
	SilenceLevel        int               `yaml:"silence_level"`
	SaveUtterances      bool              `yaml:"save_utterances"`
	Prompts             map[string]string `yaml:"prompts"`
}

type VoipIOConfig struct {
	Device    string        `yaml:"device"`
	URL       string        `yaml:"url"`
	Reconnect time.Duration `yaml:"reconnect"`
	Timeout   time.Duration `yaml:"timeout"`
	InputFile string        `yaml:"input_file"`
	RemoteURI string        `yaml:"remote_uri"`
}

type TurnConfig struct {
	SystemSilenceTimeout time.Duration `yaml:"system_silence_timeout"`
	UserSilenceTimeout   time.Duration `yaml:"user_silence_timeout"`
	MaxCallLength        time.Duration `yaml:"max_call_length"`
}

type LimitsConfig struct {
	Last24MaxNumCalls  int           `yaml:"last24_max_num_calls"`
	Last24MaxTotalTime time.Duration `yaml:"last24_max_total_time"`
	BlacklistFor       time.Duration `yaml:"blacklist_for"`
}

type ScriptConfig struct {
	Introduction []string `yaml:"introduction"`
	Prompts      []string `yaml:"prompts"`
	Rejected     string   `yaml:"rejected"`
	Closing      string   `yaml:"closing"`
}

type CallDBConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	SessionDir string `yaml:"session_dir"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type IPCConfig struct {
	Socket string `yaml:"socket"`
}

// ConfigurationError names the key that made the configuration unusable.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func Default() Config {
	return Config{
		Audio: AudioConfig{SampleRate: 16000, SamplesPerFrame: 256},
		Hub: HubConfig{
			Tick:          5 * time.Millisecond,
			ChannelBuffer: 256,
			StopTimeout:   5 * time.Second,
		},
		VAD: VADConfig{
			PowerThreshold:           300,
			PowerThresholdMultiplier: 1,
			PowerAdaptationFrames:    30,
			DecisionFramesSpeech:     15,
			DecisionFramesSil:        30,
			SpeechThreshold:          0.7,
			NonSpeechThreshold:       0.1,
			SpeechBufferFrames:       35,
		},
		ASR: ASRConfig{
			Engine:     "whisper",
			Model:      "third_party/whisper.cpp/models/ggml-medium.bin",
			Language:   "auto",
			Timeout:    30 * time.Second,
			MaxBacklog: 200,
			NBest:      10,
		},
		SLU: SLUConfig{
			Classifier: "phrase",
			Phrases: map[string]string{
				"hello":     "hello()",
				"hi":        "hello()",
				"bye":       "bye()",
				"goodbye":   "bye()",
				"yes":       "affirm()",
				"no":        "negate()",
				"repeat":    "repeat()",
				"thank you": "thankyou()",
			},
			Timeout: 20 * time.Second,
			NBest:   10,
		},
		NLU: NLUConfig{Model: "gpt-4o-mini"},
		TTS: TTSConfig{
			Engine:              "espeak",
			Voice:               "en",
			Speed:               160,
			Timeout:             10 * time.Second,
			FinalSilenceRemoval: true,
			SilenceLevel:        64,
		},
		VoipIO: VoipIOConfig{
			Device:    "websocket",
			URL:       "ws://localhost:8092",
			Reconnect: 2 * time.Second,
			Timeout:   time.Second,
		},
		Turn: TurnConfig{
			SystemSilenceTimeout: 10 * time.Second,
			UserSilenceTimeout:   10 * time.Second,
			MaxCallLength:        10 * time.Minute,
		},
		Limits: LimitsConfig{
			Last24MaxNumCalls:  20,
			Last24MaxTotalTime: 30 * time.Minute,
			BlacklistFor:       2 * time.Hour,
		},
		Script: ScriptConfig{
			Introduction: []string{"Hello.", "You are talking to a recording system."},
			Prompts:      []string{"Please tell me about your day."},
			Rejected:     "You have called too often today. Please try again tomorrow.",
			Closing:      "Thank you for the call. Goodbye.",
		},
		CallDB:  CallDBConfig{Path: "call_db.json"},
		Logging: LoggingConfig{Level: "info", SessionDir: "sessions"},
		IPC:     IPCConfig{Socket: "/tmp/vox-hub.sock"},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigurationError{Key: path, Reason: err.Error()}
	}
	return cfg, nil
}

// ApplyEnv overrides selected keys from the process environment.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"OPENAI_API_KEY":      &c.NLU.APIKey,
		"VOXHUB_PROXY":        &c.NLU.Proxy,
		"VOXHUB_WS_URL":       &c.VoipIO.URL,
		"VOXHUB_CALLDB":       &c.CallDB.Path,
		"VOXHUB_SESSION_DIR":  &c.Logging.SessionDir,
		"VOXHUB_METRICS_ADDR": &c.Metrics.Addr,
		"VOXHUB_ASR_MODEL":    &c.ASR.Model,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("VOXHUB_MAX_CALLS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigurationError{Key: "VOXHUB_MAX_CALLS", Reason: err.Error()}
		}
		c.Hub.MaxCalls = n
	}
	return nil
}

func (c *Config) Validate() error {
	positive := []struct {
		key string
		ok  bool
	}{
		{"audio.sample_rate", c.Audio.SampleRate > 0},
		{"audio.samples_per_frame", c.Audio.SamplesPerFrame > 0},
		{"hub.tick", c.Hub.Tick > 0},
		{"hub.channel_buffer", c.Hub.ChannelBuffer > 0},
		{"hub.stop_timeout", c.Hub.StopTimeout > 0},
		{"vad.power_threshold_multiplier", c.VAD.PowerThresholdMultiplier > 0},
		{"vad.decision_frames_speech", c.VAD.DecisionFramesSpeech > 0},
		{"vad.decision_frames_sil", c.VAD.DecisionFramesSil > 0},
		{"asr.timeout", c.ASR.Timeout > 0},
		{"asr.max_backlog", c.ASR.MaxBacklog > 0},
		{"asr.nbest", c.ASR.NBest > 0},
		{"slu.nbest", c.SLU.NBest > 0},
		{"slu.timeout", c.SLU.Timeout > 0},
		{"tts.timeout", c.TTS.Timeout > 0},
		{"turn.system_silence_timeout", c.Turn.SystemSilenceTimeout > 0},
		{"turn.user_silence_timeout", c.Turn.UserSilenceTimeout > 0},
		{"turn.max_call_length", c.Turn.MaxCallLength > 0},
		{"limits.last24_max_num_calls", c.Limits.Last24MaxNumCalls > 0},
		{"limits.last24_max_total_time", c.Limits.Last24MaxTotalTime > 0},
		{"limits.blacklist_for", c.Limits.BlacklistFor > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return &ConfigurationError{Key: p.key, Reason: "must be positive"}
		}
	}

	if c.VAD.PowerThreshold < 0 || c.VAD.PowerAdaptationFrames < 0 || c.VAD.SpeechBufferFrames < 0 {
		return &ConfigurationError{Key: "vad", Reason: "negative power threshold or frame count"}
	}
	if c.VAD.SpeechThreshold <= 0 || c.VAD.SpeechThreshold >= 1 {
		return &ConfigurationError{Key: "vad.speech_threshold", Reason: "must be in (0, 1)"}
	}
	if c.VAD.NonSpeechThreshold < 0 || c.VAD.NonSpeechThreshold >= c.VAD.SpeechThreshold {
		return &ConfigurationError{Key: "vad.non_speech_threshold", Reason: "must be in [0, speech_threshold)"}
	}
	if c.ASR.Mass < 0 || c.ASR.Mass > 1 {
		return &ConfigurationError{Key: "asr.expand_upto_total_prob_mass", Reason: "must be in [0, 1]"}
	}
	if c.Hub.MaxCalls < 0 {
		return &ConfigurationError{Key: "hub.max_calls", Reason: "must not be negative"}
	}
	if len(c.Script.Introduction) == 0 {
		return &ConfigurationError{Key: "script.introduction", Reason: "empty"}
	}
	if len(c.Script.Prompts) == 0 {
		return &ConfigurationError{Key: "script.prompts", Reason: "empty"}
	}
	if c.CallDB.Path == "" {
		return &ConfigurationError{Key: "calldb.path", Reason: "empty"}
	}

	switch c.VoipIO.Device {
	case "websocket":
		if c.VoipIO.URL == "" {
			return &ConfigurationError{Key: "voipio.url", Reason: "required for websocket device"}
		}
	case "file":
		if c.VoipIO.InputFile == "" {
			return &ConfigurationError{Key: "voipio.input_file", Reason: "required for file device"}
		}
	case "local":
	default:
		return &ConfigurationError{Key: "voipio.device", Reason: fmt.Sprintf("unknown device %q", c.VoipIO.Device)}
	}

	switch c.ASR.Engine {
	case "whisper", "none":
	default:
		return &ConfigurationError{Key: "asr.engine", Reason: fmt.Sprintf("unknown engine %q", c.ASR.Engine)}
	}
	switch c.TTS.Engine {
	case "espeak", "none":
	default:
		return &ConfigurationError{Key: "tts.engine", Reason: fmt.Sprintf("unknown engine %q", c.TTS.Engine)}
	}
	switch c.SLU.Classifier {
	case "phrase":
	case "openai":
		if c.NLU.APIKey == "" {
			return &ConfigurationError{Key: "OPENAI_API_KEY", Reason: "required for the openai classifier"}
		}
	default:
		return &ConfigurationError{Key: "slu.classifier", Reason: fmt.Sprintf("unknown classifier %q", c.SLU.Classifier)}
	}
	return nil
}
