package orchestration

import (
	"time"

	"github.com/somihq/somi-core/core/audio"
	"github.com/somihq/somi-core/core/chunker"
	"github.com/somihq/somi-core/core/detect"
)

// Config carries the tunable surface of the engine. Zero values are
// replaced by defaults in applyDefaults, so a partially filled Config
// is safe to pass in.
type Config struct {
	SampleRate    int
	FrameDuration time.Duration
	Gain          float64

	SilenceWindow time.Duration
	MaxUtterance  time.Duration
	Preroll       time.Duration
	VADThreshold  float64
	// StartFrames is the number of consecutive above-threshold frames
	// that confirm speech onset.
	StartFrames          int
	AdaptiveThreshold    bool
	CalibrationWindow    time.Duration
	NoiseFloorMultiplier float64

	// BargeInThreshold is deliberately higher than VADThreshold to
	// ride out speaker leakage while the engine is talking.
	BargeInThreshold float64
	BargeInFrames    int

	EchoPolicy EchoPolicy

	MaxChunkChars int
	DedupeWindow  time.Duration

	AgentTimeout     time.Duration
	BackchannelAfter time.Duration
	PlaybackSlice    time.Duration
}

func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = audio.DefaultFrameDuration
	}
	if c.Gain == 0 {
		c.Gain = 1.0
	}
	if c.SilenceWindow == 0 {
		c.SilenceWindow = 500 * time.Millisecond
	}
	if c.MaxUtterance == 0 {
		c.MaxUtterance = 12 * time.Second
	}
	if c.Preroll == 0 {
		c.Preroll = 200 * time.Millisecond
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = 0.008
	}
	if c.StartFrames == 0 {
		c.StartFrames = 3
	}
	if c.CalibrationWindow == 0 {
		c.CalibrationWindow = 400 * time.Millisecond
	}
	if c.NoiseFloorMultiplier == 0 {
		c.NoiseFloorMultiplier = 3
	}
	if c.BargeInThreshold == 0 {
		c.BargeInThreshold = 0.03
	}
	if c.BargeInFrames == 0 {
		c.BargeInFrames = 6
	}
	if c.EchoPolicy == "" {
		c.EchoPolicy = EchoPolicyTier0
	}
	if c.MaxChunkChars == 0 {
		c.MaxChunkChars = chunker.DefaultMaxChars
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 1500 * time.Millisecond
	}
	if c.AgentTimeout == 0 {
		c.AgentTimeout = 45 * time.Second
	}
	if c.BackchannelAfter == 0 {
		c.BackchannelAfter = 800 * time.Millisecond
	}
	if c.PlaybackSlice == 0 {
		c.PlaybackSlice = 40 * time.Millisecond
	}
}

func (c Config) vadConfig() detect.VADConfig {
	return detect.VADConfig{
		SampleRate:           c.SampleRate,
		FrameDuration:        c.FrameDuration,
		SilenceWindow:        c.SilenceWindow,
		MaxUtterance:         c.MaxUtterance,
		RMSThreshold:         c.VADThreshold,
		StartFrames:          c.StartFrames,
		Preroll:              c.Preroll,
		AdaptiveThreshold:    c.AdaptiveThreshold,
		CalibrationWindow:    c.CalibrationWindow,
		NoiseFloorMultiplier: c.NoiseFloorMultiplier,
	}
}
