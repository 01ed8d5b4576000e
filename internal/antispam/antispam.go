// Package antispam computes randomized pacing for outbound campaigns.
//
// Delays, burst sizes and typing simulation are drawn from ranges so that the
// sending pattern of an operator never settles into a fixed rhythm.
package antispam

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/BulkPipe/internal/models"
)

// Setting keys in the persistent settings table. Durations are stored in milliseconds.
const (
	KeyDelayMin      = "wa_delay_min"
	KeyDelayMax      = "wa_delay_max"
	KeyBurstMin      = "wa_burst_min"
	KeyBurstMax      = "wa_burst_max"
	KeyBurstPauseMin = "wa_burst_pause_min"
	KeyBurstPauseMax = "wa_burst_pause_max"
	KeyDailyLimit    = "wa_daily_limit"
)

const (
	lengthDelayPerHundred = time.Second
	jitterSpan            = 3 * time.Second
	typingBaseMin         = time.Second
	typingBaseSpan        = 2 * time.Second
	typingPerWordMin      = 150 * time.Millisecond
	typingPerWordSpan     = 200 * time.Millisecond
	charsPerWord          = 5.0
)

// Config holds the pacing ranges and the per-operator daily limit.
type Config struct {
	DelayMin      time.Duration
	DelayMax      time.Duration
	BurstMin      int
	BurstMax      int
	BurstPauseMin time.Duration
	BurstPauseMax time.Duration
	DailyLimit    int
}

// Defaults returns the hard-coded configuration used when nothing is stored.
func Defaults() Config {
	return Config{
		DelayMin:      8 * time.Second,
		DelayMax:      25 * time.Second,
		BurstMin:      5,
		BurstMax:      12,
		BurstPauseMin: 2 * time.Minute,
		BurstPauseMax: 7 * time.Minute,
		DailyLimit:    180,
	}
}

// SettingsReader loads raw key/value settings from storage.
type SettingsReader interface {
	GetSettings(ctx context.Context) (map[string]string, error)
}

// LoadConfig reads the stored configuration, falling back to defaults on any error.
func LoadConfig(ctx context.Context, r SettingsReader) Config {
	if r == nil {
		return Defaults()
	}
	raw, err := r.GetSettings(ctx)
	if err != nil {
		slog.Warn("antispam.LoadConfig: failed to read settings, using defaults", "error", err)
		return Defaults()
	}
	return FromSettings(raw)
}

// FromSettings builds a Config from raw settings. Missing or malformed values
// fall back to defaults field by field; an inverted range falls back as a pair.
func FromSettings(raw map[string]string) Config {
	d := Defaults()
	cfg := Config{
		DelayMin:      msSetting(raw, KeyDelayMin, d.DelayMin),
		DelayMax:      msSetting(raw, KeyDelayMax, d.DelayMax),
		BurstMin:      intSetting(raw, KeyBurstMin, d.BurstMin, 1),
		BurstMax:      intSetting(raw, KeyBurstMax, d.BurstMax, 1),
		BurstPauseMin: msSetting(raw, KeyBurstPauseMin, d.BurstPauseMin),
		BurstPauseMax: msSetting(raw, KeyBurstPauseMax, d.BurstPauseMax),
		DailyLimit:    intSetting(raw, KeyDailyLimit, d.DailyLimit, 0),
	}
	if cfg.DelayMax < cfg.DelayMin {
		slog.Warn("antispam.FromSettings: inverted delay range, using defaults", "min", cfg.DelayMin, "max", cfg.DelayMax)
		cfg.DelayMin, cfg.DelayMax = d.DelayMin, d.DelayMax
	}
	if cfg.BurstMax < cfg.BurstMin {
		slog.Warn("antispam.FromSettings: inverted burst range, using defaults", "min", cfg.BurstMin, "max", cfg.BurstMax)
		cfg.BurstMin, cfg.BurstMax = d.BurstMin, d.BurstMax
	}
	if cfg.BurstPauseMax < cfg.BurstPauseMin {
		slog.Warn("antispam.FromSettings: inverted burst pause range, using defaults", "min", cfg.BurstPauseMin, "max", cfg.BurstPauseMax)
		cfg.BurstPauseMin, cfg.BurstPauseMax = d.BurstPauseMin, d.BurstPauseMax
	}
	return cfg
}

// Settings serializes the configuration into raw settings for storage.
func (c Config) Settings() map[string]string {
	return map[string]string{
		KeyDelayMin:      strconv.FormatInt(c.DelayMin.Milliseconds(), 10),
		KeyDelayMax:      strconv.FormatInt(c.DelayMax.Milliseconds(), 10),
		KeyBurstMin:      strconv.Itoa(c.BurstMin),
		KeyBurstMax:      strconv.Itoa(c.BurstMax),
		KeyBurstPauseMin: strconv.FormatInt(c.BurstPauseMin.Milliseconds(), 10),
		KeyBurstPauseMax: strconv.FormatInt(c.BurstPauseMax.Milliseconds(), 10),
		KeyDailyLimit:    strconv.Itoa(c.DailyLimit),
	}
}

// ToModel converts the configuration into its API representation.
func (c Config) ToModel() models.AntiSpamSettings {
	return models.AntiSpamSettings{
		DelayMinMs:      c.DelayMin.Milliseconds(),
		DelayMaxMs:      c.DelayMax.Milliseconds(),
		BurstMin:        c.BurstMin,
		BurstMax:        c.BurstMax,
		BurstPauseMinMs: c.BurstPauseMin.Milliseconds(),
		BurstPauseMaxMs: c.BurstPauseMax.Milliseconds(),
		DailyLimit:      c.DailyLimit,
	}
}

// FromModel converts API settings into a Config.
func FromModel(s models.AntiSpamSettings) Config {
	return Config{
		DelayMin:      time.Duration(s.DelayMinMs) * time.Millisecond,
		DelayMax:      time.Duration(s.DelayMaxMs) * time.Millisecond,
		BurstMin:      s.BurstMin,
		BurstMax:      s.BurstMax,
		BurstPauseMin: time.Duration(s.BurstPauseMinMs) * time.Millisecond,
		BurstPauseMax: time.Duration(s.BurstPauseMaxMs) * time.Millisecond,
		DailyLimit:    s.DailyLimit,
	}
}

func msSetting(raw map[string]string, key string, def time.Duration) time.Duration {
	v, ok := raw[key]
	if !ok {
		return def
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms < 0 {
		slog.Warn("antispam: malformed setting, using default", "key", key, "value", v)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func intSetting(raw map[string]string, key string, def, min int) int {
	v, ok := raw[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < min {
		slog.Warn("antispam: malformed setting, using default", "key", key, "value", v)
		return def
	}
	return n
}

// Policy draws pacing values from a Config.
type Policy struct {
	cfg   Config
	float func() float64
}

// NewPolicy returns a Policy backed by the process-wide random source.
func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg, float: rand.Float64}
}

// NewPolicyWithSource returns a Policy drawing from r. Used for deterministic tests.
func NewPolicyWithSource(cfg Config, r *rand.Rand) *Policy {
	return &Policy{cfg: cfg, float: r.Float64}
}

// Config returns the configuration the policy was built from.
func (p *Policy) Config() Config {
	return p.cfg
}

// Delay is the pause after sending a message of messageLen characters.
func (p *Policy) Delay(messageLen int) time.Duration {
	base := p.between(p.cfg.DelayMin, p.cfg.DelayMax)
	lengthBonus := time.Duration(float64(messageLen) / 100 * float64(lengthDelayPerHundred))
	jitter := time.Duration((p.float() - 0.5) * float64(jitterSpan))
	d := base + lengthBonus + jitter
	if d < p.cfg.DelayMin {
		return p.cfg.DelayMin
	}
	return d
}

// BurstSize is the number of messages to send before a burst pause.
func (p *Policy) BurstSize() int {
	span := p.cfg.BurstMax - p.cfg.BurstMin + 1
	n := p.cfg.BurstMin + int(p.float()*float64(span))
	if n > p.cfg.BurstMax {
		n = p.cfg.BurstMax
	}
	return n
}

// BurstPause is the long pause taken between bursts.
func (p *Policy) BurstPause() time.Duration {
	return p.between(p.cfg.BurstPauseMin, p.cfg.BurstPauseMax)
}

// TypingDelay is how long the "composing" indicator is shown for a message.
func (p *Policy) TypingDelay(messageLen int) time.Duration {
	initial := typingBaseMin + time.Duration(p.float()*float64(typingBaseSpan))
	words := float64(messageLen) / charsPerWord
	perWord := typingPerWordMin + time.Duration(p.float()*float64(typingPerWordSpan))
	return initial + time.Duration(words*float64(perWord))
}

func (p *Policy) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(p.float()*float64(hi-lo))
}
