package voice

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// normalizeUtterance collapses whitespace runs and strips control runes so
// estimates and cache keys are stable across formatting differences.
func normalizeUtterance(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// estimateSpeechDuration guesses how long the backend will take to speak
// text, from rune count alone. The clamp keeps very short or very long text
// from producing implausible estimates that would corrupt the completion
// timer.
func estimateSpeechDuration(text string, perChar, min, max time.Duration) time.Duration {
	n := utf8.RuneCountInString(normalizeUtterance(text))
	d := time.Duration(n) * perChar
	return clampDuration(d, min, max)
}

// truncateRunes shortens text for log lines without splitting a rune.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// estimateCache remembers observed playback durations per normalized
// utterance so repeats of the same text get a measured estimate instead of a
// guessed one. Only the local-synthesis path feeds it: that path has a real
// completion signal.
type estimateCache struct {
	mu         sync.Mutex
	maxEntries int
	durations  map[string]time.Duration
	order      []string
}

func newEstimateCache(maxEntries int) *estimateCache {
	if maxEntries <= 0 {
		maxEntries = 32
	}
	return &estimateCache{
		maxEntries: maxEntries,
		durations:  make(map[string]time.Duration),
	}
}

func (c *estimateCache) Get(text string) (time.Duration, bool) {
	key := normalizeUtterance(text)
	if key == "" {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.durations[key]
	if !ok {
		return 0, false
	}
	c.touchLocked(key)
	return d, true
}

func (c *estimateCache) Put(text string, observed time.Duration) {
	key := normalizeUtterance(text)
	if key == "" || observed <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.durations[key]; !exists {
		c.order = append(c.order, key)
		for len(c.order) > c.maxEntries {
			evict := c.order[0]
			c.order = c.order[1:]
			delete(c.durations, evict)
		}
	} else {
		c.touchLocked(key)
	}
	c.durations[key] = observed
}

func (c *estimateCache) touchLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}

func (c *estimateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.durations)
}
