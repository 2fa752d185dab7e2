// Package fingerprint derives a stable pseudo-identity for an unauthenticated
// visitor from device and browser signals. The value recognizes a returning
// visitor without an account; it is collision-avoidant, not cryptographic.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dunglas/httpsfv"
	"github.com/mssola/useragent"
	"golang.org/x/crypto/blake2b"

	"loyalty-sdk/internal/model"
	"loyalty-sdk/internal/storage"
)

// digestSize is 16 bytes (128 bits): enough to avoid collisions across
// unrelated devices with overwhelming probability while keeping the header
// value short.
const digestSize = 16

// Signals are the raw device/browser characteristics a fingerprint is
// derived from. The host application collects them once at startup; the
// derivation is deterministic, so the same signals always yield the same
// fingerprint.
type Signals struct {
	// UserAgent is the classic User-Agent string.
	UserAgent string

	// ClientHints carries the low-entropy UA client hint headers
	// (Sec-CH-UA, Sec-CH-UA-Platform, Sec-CH-UA-Mobile) as sent by the
	// browser. Parsed as RFC 8941 structured fields.
	ClientHints map[string]string

	Language     string
	Timezone     string
	ScreenWidth  int
	ScreenHeight int
	ColorDepth   int
}

// Provider implements getOrCreateFingerprint: idempotent, with a one-time
// persistence write on first derivation. If the persistence write fails the
// provider degrades to re-deriving the value on every call; derivation is
// deterministic, so callers still observe a stable value as long as the
// signals do not change.
type Provider struct {
	store   storage.Store
	signals Signals
	logger  *slog.Logger

	mu     sync.Mutex
	cached string
}

// NewProvider creates a fingerprint provider. store may be nil, in which
// case the provider always operates in the degraded (re-derive) mode.
func NewProvider(store storage.Store, signals Signals, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{store: store, signals: signals, logger: logger}
}

// GetOrCreate returns the visitor fingerprint, deriving and persisting it on
// first use. Never fails: persistence problems only downgrade durability.
func (p *Provider) GetOrCreate(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached
	}

	if p.store != nil {
		if v, err := p.store.Get(ctx, storage.KeyFingerprint); err == nil && len(v) > 0 {
			p.cached = string(v)
			return p.cached
		} else if err != nil && !errors.Is(err, model.ErrNotFound) {
			p.logger.Warn("fingerprint storage read failed", slog.Any("error", err))
		}
	}

	fp := Derive(p.signals)

	if p.store != nil {
		if err := p.store.Set(ctx, storage.KeyFingerprint, []byte(fp)); err != nil {
			// Degraded mode: re-derive on every call instead of caching.
			p.logger.Warn("fingerprint storage write failed, running without persistence",
				slog.Any("error", err))
			return fp
		}
	}

	p.cached = fp
	return fp
}

// Derive combines the signals into a digest. Component order is fixed so the
// result is stable across calls and processes.
func Derive(s Signals) string {
	parts := []string{
		"ua:" + normalizeUserAgent(s.UserAgent),
		"ch:" + normalizeClientHints(s.ClientHints),
		"lang:" + strings.ToLower(s.Language),
		"tz:" + s.Timezone,
		fmt.Sprintf("screen:%dx%dx%d", s.ScreenWidth, s.ScreenHeight, s.ColorDepth),
	}

	digest, err := blake2b.New(digestSize, nil)
	if err != nil {
		// Only possible with an invalid size or key; digestSize is constant.
		panic(err)
	}
	for _, part := range parts {
		digest.Write([]byte(part))
		digest.Write([]byte{0})
	}
	return "fp_" + fmt.Sprintf("%x", digest.Sum(nil))
}

// normalizeUserAgent reduces the UA string to browser and OS identity so
// minor patch releases do not churn the fingerprint.
func normalizeUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	parsed := useragent.New(ua)
	browser, version := parsed.Browser()
	osInfo := parsed.OSInfo()

	// Major version only: "120.0.6099.109" → "120"
	if i := strings.IndexByte(version, '.'); i > 0 {
		version = version[:i]
	}

	device := "desktop"
	if parsed.Mobile() {
		device = "mobile"
	} else if parsed.Bot() {
		device = "bot"
	}

	return strings.Join([]string{browser, version, osInfo.Name, osInfo.Version, device}, "/")
}

// normalizeClientHints parses the Sec-CH-UA family as RFC 8941 structured
// fields and renders them in a canonical order. Unparseable hints fall back
// to the raw header value so a quirky browser still fingerprints stably.
func normalizeClientHints(hints map[string]string) string {
	if len(hints) == 0 {
		return ""
	}

	lowered := make(map[string]string, len(hints))
	keys := make([]string, 0, len(hints))
	for k, v := range hints {
		lk := strings.ToLower(k)
		lowered[lk] = v
		keys = append(keys, lk)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		raw := lowered[k]
		switch k {
		case "sec-ch-ua", "sec-ch-ua-full-version-list":
			out = append(out, k+"="+canonicalBrandList(raw))
		default:
			out = append(out, k+"="+canonicalItem(raw))
		}
	}
	return strings.Join(out, ";")
}

// canonicalBrandList renders a structured-field brand list as
// brand/version pairs sorted by brand. Example input:
//
//	"Chromium";v="120", "Not_A Brand";v="8"
func canonicalBrandList(raw string) string {
	list, err := httpsfv.UnmarshalList([]string{raw})
	if err != nil {
		return raw
	}

	var brands []string
	for _, member := range list {
		item, ok := member.(httpsfv.Item)
		if !ok {
			continue
		}
		brand, ok := item.Value.(string)
		if !ok {
			continue
		}
		version := ""
		if v, ok := item.Params.Get("v"); ok {
			if vs, ok := v.(string); ok {
				version = vs
			}
		}
		brands = append(brands, brand+"/"+version)
	}
	sort.Strings(brands)
	return strings.Join(brands, ",")
}

// canonicalItem renders a single structured-field item (platform, mobile
// flag) as a plain string.
func canonicalItem(raw string) string {
	item, err := httpsfv.UnmarshalItem([]string{raw})
	if err != nil {
		return raw
	}
	switch v := item.Value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", v)
	}
}
