package proxyconfig_test

import (
	"testing"

	"github.com/crawlee-go/crawlee/proxyconfig"
)

func TestNewURLIsDeterministicPerSession(t *testing.T) {
	cfg := proxyconfig.New([]string{"http://proxy-a", "http://proxy-b", "http://proxy-c"}, nil)

	first, err := cfg.NewURL("session-1")
	if err != nil {
		t.Fatalf("NewURL() = %v", err)
	}
	second, err := cfg.NewURL("session-1")
	if err != nil {
		t.Fatalf("NewURL() = %v", err)
	}
	if first != second {
		t.Fatalf("NewURL() not deterministic: %q vs %q", first, second)
	}
}

func TestNewURLReturnsEmptyWithNoProxies(t *testing.T) {
	cfg := proxyconfig.New(nil, nil)
	url, err := cfg.NewURL("session-1")
	if err != nil {
		t.Fatalf("NewURL() = %v", err)
	}
	if url != "" {
		t.Fatalf("NewURL() = %q, want empty (no proxy)", url)
	}
}

func TestNewURLDistributesAcrossSessions(t *testing.T) {
	cfg := proxyconfig.New([]string{"http://proxy-a", "http://proxy-b"}, nil)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		url, _ := cfg.NewURL(string(rune('a' + i)))
		seen[url] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected multiple distinct proxies across sessions, got %v", seen)
	}
}
