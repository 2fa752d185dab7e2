package fingerprint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"loyalty-sdk/internal/storage"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36"

func testSignals() Signals {
	return Signals{
		UserAgent: chromeUA,
		ClientHints: map[string]string{
			"Sec-CH-UA":          `"Chromium";v="120", "Google Chrome";v="120", "Not_A Brand";v="8"`,
			"Sec-CH-UA-Platform": `"Windows"`,
			"Sec-CH-UA-Mobile":   "?0",
		},
		Language:     "ru-RU",
		Timezone:     "Europe/Moscow",
		ScreenWidth:  1920,
		ScreenHeight: 1080,
		ColorDepth:   24,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeriveStable(t *testing.T) {
	a := Derive(testSignals())
	b := Derive(testSignals())
	if a != b {
		t.Errorf("Derive not deterministic: %s != %s", a, b)
	}
	if !strings.HasPrefix(a, "fp_") {
		t.Errorf("fingerprint %s missing fp_ prefix", a)
	}
	if len(a) != len("fp_")+32 {
		t.Errorf("fingerprint length = %d, want %d", len(a), len("fp_")+32)
	}
}

func TestDerivePatchVersionDoesNotChurn(t *testing.T) {
	a := testSignals()
	b := testSignals()
	b.UserAgent = strings.Replace(a.UserAgent, "120.0.6099.109", "120.0.6099.224", 1)

	if Derive(a) != Derive(b) {
		t.Error("browser patch release changed the fingerprint")
	}
}

func TestDeriveDistinguishesDevices(t *testing.T) {
	a := testSignals()
	b := testSignals()
	b.ScreenWidth = 390
	b.ScreenHeight = 844
	b.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) " +
		"AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1"

	if Derive(a) == Derive(b) {
		t.Error("unrelated devices produced the same fingerprint")
	}
}

func TestGetOrCreatePersists(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	first := NewProvider(store, testSignals(), testLogger()).GetOrCreate(ctx)

	// A fresh provider over the same store returns the persisted value even
	// if the live signals have drifted.
	drifted := testSignals()
	drifted.Language = "en-US"
	second := NewProvider(store, drifted, testLogger()).GetOrCreate(ctx)

	if first != second {
		t.Errorf("persisted fingerprint not reused: %s != %s", first, second)
	}
}

// failingStore rejects writes, simulating denied storage.
type failingStore struct {
	*storage.Memory
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("storage denied")
}

func TestGetOrCreateDegradedMode(t *testing.T) {
	ctx := context.Background()
	p := NewProvider(&failingStore{storage.NewMemory()}, testSignals(), testLogger())

	a := p.GetOrCreate(ctx)
	b := p.GetOrCreate(ctx)

	if a == "" || b == "" {
		t.Fatal("degraded mode returned empty fingerprint")
	}
	// Deterministic derivation keeps the value stable even without persistence.
	if a != b {
		t.Errorf("degraded mode fingerprints differ: %s != %s", a, b)
	}
}
