package httpcloakproxy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFragmentForce(t *testing.T) {
	intp := func(v int) *int { return &v }
	cases := []struct {
		name string
		in   *int
		want string // "on", "off", "nil"
	}{
		{"absent", nil, "nil"},
		{"zero", intp(0), "nil"},
		{"one forces on", intp(1), "on"},
		{"two forces off", intp(2), "off"},
		{"larger forces off", intp(7), "off"},
	}
	for _, tc := range cases {
		c := &Config{Fragment: tc.in}
		got := c.FragmentForce()
		switch tc.want {
		case "nil":
			if got != nil {
				t.Errorf("%s: FragmentForce() = %v, want nil", tc.name, *got)
			}
		case "on":
			if got == nil || !*got {
				t.Errorf("%s: FragmentForce() = %v, want true", tc.name, got)
			}
		case "off":
			if got == nil || *got {
				t.Errorf("%s: FragmentForce() = %v, want false", tc.name, got)
			}
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"proxies": [{"protocol": "tls+socks5", "server": "proxy.example:1080", "user": "u"}],
		"doh": {"endpoint": "https://doh.example/dns-query", "fake_host": "192.0.2.1"},
		"fragment": 1,
		"http_listen": ["127.0.0.1:8080"],
		"dns_listen": ["127.0.0.1:5353"],
		"tproxy_listen": {"listen": ["127.0.0.1:9040"], "redir_type": "tproxy"}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Proxies) != 1 || cfg.Proxies[0].Protocol != "tls+socks5" {
		t.Errorf("proxies = %+v", cfg.Proxies)
	}
	if cfg.DoH == nil || cfg.DoH.Endpoint != "https://doh.example/dns-query" {
		t.Errorf("doh = %+v", cfg.DoH)
	}
	if force := cfg.FragmentForce(); force == nil || !*force {
		t.Errorf("FragmentForce() = %v, want forced on", force)
	}
	if cfg.TProxyListen == nil || cfg.TProxyListen.RedirType != "tproxy" {
		t.Errorf("tproxy_listen = %+v", cfg.TProxyListen)
	}
}
