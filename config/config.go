package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// BridgeConfig is the full environment configuration of the bridge process.
// Values come from the environment (or an optional .env file); every knob has
// a default except the AI endpoint credentials, which are validated before
// the listeners start.
type BridgeConfig struct {
	// AI side
	AIWSURL      string `mapstructure:"ai_ws_url" validate:"required,url"`
	APIKey       string `mapstructure:"api_key" validate:"required"`
	AIVoice      string `mapstructure:"ai_voice"`
	AIModel      string `mapstructure:"ai_model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	AISampleRate int    `mapstructure:"ai_sample_rate" validate:"oneof=16000 24000 48000"`
	AIAudioJSON  bool   `mapstructure:"ai_audio_json"` // base64-JSON audio envelopes instead of binary frames

	// Switch side: framed-TCP acceptor
	ListenHost string `mapstructure:"listen_host" validate:"required"`
	ListenPort int    `mapstructure:"listen_port" validate:"required,min=1,max=65535"`

	// Switch side: RTP pool + ARI control API
	RTPBindHost string `mapstructure:"rtp_bind_host"`
	// RTPAdvertiseHost is the address handed to the switch as external_host;
	// it must be reachable from the switch, unlike a 0.0.0.0 bind address.
	RTPAdvertiseHost string `mapstructure:"rtp_advertise_host"`
	RTPPortStart int    `mapstructure:"rtp_port_start" validate:"min=1,max=65535"`
	RTPPortEnd   int    `mapstructure:"rtp_port_end" validate:"min=1,max=65535,gtefield=RTPPortStart"`
	ARIURL       string `mapstructure:"ari_url"`
	ARIUser      string `mapstructure:"ari_user"`
	ARIPassword  string `mapstructure:"ari_password"`

	// Playout
	JitterBufferMS int `mapstructure:"jitter_buffer_ms" validate:"min=20,max=2000"`
	KeepaliveMS    int `mapstructure:"keepalive_ms" validate:"min=20,max=5000"`

	// Server-side VAD knobs, forwarded opaquely in init
	VADThreshold         float64 `mapstructure:"vad_threshold"`
	VADPrefixPaddingMS   int     `mapstructure:"vad_prefix_padding_ms"`
	VADSilenceDurationMS int     `mapstructure:"vad_silence_duration_ms"`

	// DSP knobs
	VolumeBoost        float64 `mapstructure:"volume_boost" validate:"min=0"`
	PreEmphasisCoeff   float64 `mapstructure:"pre_emphasis_coeff" validate:"min=0,max=1"`
	NoiseGateThreshold int     `mapstructure:"noise_gate_threshold" validate:"min=0"`
	TargetRMS          float64 `mapstructure:"target_rms" validate:"min=0"`
	SendNativeUlaw     bool    `mapstructure:"send_native_ulaw"`

	// Reconnect policy
	MaxReconnectAttempts int     `mapstructure:"max_reconnect_attempts" validate:"min=0"`
	ReconnectBaseDelayS  float64 `mapstructure:"reconnect_base_delay_s" validate:"min=0"`

	// Ambient
	LogLevel  string `mapstructure:"log_level"`
	LogFile   string `mapstructure:"log_file"`
	AdminPort int    `mapstructure:"admin_port" validate:"min=0,max=65535"`
}

// Load reads configuration from the environment (and ENV_PATH / .env when
// present), applies defaults, and validates. A missing API key fails here,
// before any call is accepted.
func Load() (*BridgeConfig, error) {
	v := viper.New()

	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// viper.Unmarshal only sees keys that were set or defaulted; required keys
	// without defaults are bound explicitly so AutomaticEnv picks them up.
	for _, key := range []string{"ai_ws_url", "api_key", "ai_voice", "ai_model", "system_prompt",
		"ari_url", "ari_user", "ari_password", "log_file"} {
		_ = v.BindEnv(key)
	}

	var cfg BridgeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("AI_SAMPLE_RATE", 24000)
	v.SetDefault("AI_AUDIO_JSON", false)

	v.SetDefault("LISTEN_HOST", "0.0.0.0")
	v.SetDefault("LISTEN_PORT", 8090)

	v.SetDefault("RTP_BIND_HOST", "0.0.0.0")
	v.SetDefault("RTP_ADVERTISE_HOST", "127.0.0.1")
	v.SetDefault("RTP_PORT_START", 10000)
	v.SetDefault("RTP_PORT_END", 10200)

	v.SetDefault("JITTER_BUFFER_MS", 240)
	v.SetDefault("KEEPALIVE_MS", 1000)

	v.SetDefault("VAD_THRESHOLD", 0.5)
	v.SetDefault("VAD_PREFIX_PADDING_MS", 300)
	v.SetDefault("VAD_SILENCE_DURATION_MS", 500)

	v.SetDefault("VOLUME_BOOST", 2.5)
	v.SetDefault("PRE_EMPHASIS_COEFF", 0.95)
	v.SetDefault("NOISE_GATE_THRESHOLD", 25)
	v.SetDefault("TARGET_RMS", 2500)
	v.SetDefault("SEND_NATIVE_ULAW", false)

	v.SetDefault("MAX_RECONNECT_ATTEMPTS", 3)
	v.SetDefault("RECONNECT_BASE_DELAY_S", 1.0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ADMIN_PORT", 8091)
}
