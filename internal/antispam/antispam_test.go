package antispam

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"
)

func testPolicy() *Policy {
	return NewPolicyWithSource(Defaults(), rand.New(rand.NewPCG(1, 2)))
}

func TestDelayBounds(t *testing.T) {
	p := testPolicy()
	cfg := p.Config()
	for _, length := range []int{0, 40, 160, 1000} {
		maxDelay := cfg.DelayMax + time.Duration(length)*10*time.Millisecond + 1500*time.Millisecond
		for i := 0; i < 500; i++ {
			d := p.Delay(length)
			if d < cfg.DelayMin {
				t.Fatalf("Delay(%d) = %v, below floor %v", length, d, cfg.DelayMin)
			}
			if d > maxDelay {
				t.Fatalf("Delay(%d) = %v, above ceiling %v", length, d, maxDelay)
			}
		}
	}
}

func TestBurstSizeRange(t *testing.T) {
	p := testPolicy()
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		n := p.BurstSize()
		if n < 5 || n > 12 {
			t.Fatalf("BurstSize() = %d, want within [5, 12]", n)
		}
		seen[n] = true
	}
	if !seen[5] || !seen[12] {
		t.Errorf("expected both range endpoints to be drawn, saw %v", seen)
	}
}

func TestBurstPauseRange(t *testing.T) {
	p := testPolicy()
	for i := 0; i < 500; i++ {
		d := p.BurstPause()
		if d < 2*time.Minute || d > 7*time.Minute {
			t.Fatalf("BurstPause() = %v, want within [2m, 7m]", d)
		}
	}
}

func TestTypingDelayBounds(t *testing.T) {
	p := testPolicy()
	const length = 100 // 20 words
	lo := time.Second + 20*150*time.Millisecond
	hi := 3*time.Second + 20*350*time.Millisecond
	for i := 0; i < 500; i++ {
		d := p.TypingDelay(length)
		if d < lo || d > hi {
			t.Fatalf("TypingDelay(%d) = %v, want within [%v, %v]", length, d, lo, hi)
		}
	}
}

func TestDegenerateRanges(t *testing.T) {
	cfg := Config{DelayMin: time.Second, DelayMax: time.Second, BurstMin: 3, BurstMax: 3, BurstPauseMin: time.Minute, BurstPauseMax: time.Minute}
	p := NewPolicy(cfg)
	if n := p.BurstSize(); n != 3 {
		t.Errorf("BurstSize() = %d, want 3", n)
	}
	if d := p.BurstPause(); d != time.Minute {
		t.Errorf("BurstPause() = %v, want 1m", d)
	}
}

func TestFromSettingsFallsBackPerField(t *testing.T) {
	cfg := FromSettings(map[string]string{
		KeyDelayMin:   "1000",
		KeyDelayMax:   "not-a-number",
		KeyBurstMin:   "0",
		KeyDailyLimit: "25",
	})
	d := Defaults()
	if cfg.DelayMin != time.Second {
		t.Errorf("DelayMin = %v, want 1s", cfg.DelayMin)
	}
	if cfg.DelayMax != d.DelayMax {
		t.Errorf("DelayMax = %v, want default %v", cfg.DelayMax, d.DelayMax)
	}
	if cfg.BurstMin != d.BurstMin {
		t.Errorf("BurstMin = %d, want default %d", cfg.BurstMin, d.BurstMin)
	}
	if cfg.DailyLimit != 25 {
		t.Errorf("DailyLimit = %d, want 25", cfg.DailyLimit)
	}
}

func TestFromSettingsInvertedRange(t *testing.T) {
	cfg := FromSettings(map[string]string{KeyBurstMin: "20", KeyBurstMax: "4"})
	d := Defaults()
	if cfg.BurstMin != d.BurstMin || cfg.BurstMax != d.BurstMax {
		t.Errorf("inverted burst range not reset: got [%d, %d]", cfg.BurstMin, cfg.BurstMax)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	cfg := Config{
		DelayMin:      1500 * time.Millisecond,
		DelayMax:      4 * time.Second,
		BurstMin:      2,
		BurstMax:      4,
		BurstPauseMin: 10 * time.Second,
		BurstPauseMax: 20 * time.Second,
		DailyLimit:    50,
	}
	if got := FromSettings(cfg.Settings()); got != cfg {
		t.Errorf("FromSettings(Settings()) = %+v, want %+v", got, cfg)
	}
	if got := FromModel(cfg.ToModel()); got != cfg {
		t.Errorf("FromModel(ToModel()) = %+v, want %+v", got, cfg)
	}
}

type failingReader struct{}

func (failingReader) GetSettings(ctx context.Context) (map[string]string, error) {
	return nil, errors.New("database is locked")
}

func TestLoadConfigFallsBackOnError(t *testing.T) {
	if got := LoadConfig(context.Background(), failingReader{}); got != Defaults() {
		t.Errorf("LoadConfig() = %+v, want defaults", got)
	}
	if got := LoadConfig(context.Background(), nil); got != Defaults() {
		t.Errorf("LoadConfig(nil) = %+v, want defaults", got)
	}
}
