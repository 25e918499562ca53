package httpcloakproxy

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the top-level, JSON-loaded process configuration. Prompting
// for missing proxy credentials and orchestrating process startup are
// external to this package; the file-to-struct decode lives here and
// wiring it into listeners is cmd/httpcloak-proxy's job.
type Config struct {
	Proxies      []ProxyConfig `json:"proxies,omitempty"`
	DoH          *DoHConfig    `json:"doh,omitempty"`
	Fragment     *int          `json:"fragment,omitempty"` // 1 = force on, >=2 = force off, nil/0 = default
	HTTPListen   []string      `json:"http_listen,omitempty"`
	DNSListen    []string      `json:"dns_listen,omitempty"`
	TProxyListen *TProxyConfig `json:"tproxy_listen,omitempty"`
}

// ProxyConfig describes one hop of the outbound chain as a
// "[layer+...+]base" protocol string, e.g. "tls+http" or "socks5".
type ProxyConfig struct {
	Protocol string `json:"protocol"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Server   string `json:"server"`
}

// DoHConfig configures the DNS-over-HTTPS resolver used for happy-eyeballs
// dialing and the DNS-UDP relay listener.
type DoHConfig struct {
	Endpoint string `json:"endpoint"`
	FakeHost string `json:"fake_host,omitempty"`
}

// TProxyConfig configures the transparent-redirect listener.
type TProxyConfig struct {
	Listen    []string `json:"listen"`
	RedirType string   `json:"redir_type,omitempty"` // "redirect", "tproxy", "pf", "ipfw"
}

// LoadConfig reads and decodes a JSON config file. It performs no
// validation beyond the JSON decode itself.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}

// FragmentForce returns the forced ClientHello-fragmenter state: non-nil
// true for config value 1 (always fragment), non-nil false for 2 or
// greater (never fragment), nil for absent or 0 (per-request overrides
// and the TLS-through-proxy default decide).
func (c *Config) FragmentForce() *bool {
	if c.Fragment == nil || *c.Fragment == 0 {
		return nil
	}
	on := *c.Fragment == 1
	return &on
}
