// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the configuration surface described in spec.md
// §6: the listen entries, the fixed upstream proxy URL, concurrency,
// extra CONNECT headers, and the DNS/fake-IP overrides used by Redir
// mode. Config is loaded from JSON (the native format) or YAML (an
// escape hatch for operators who prefer it) into the same struct.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClientProtocol names one of the client-facing listener modes.
type ClientProtocol string

// Supported client protocols.
const (
	ProtocolSocks5 ClientProtocol = "socks5"
	ProtocolHTTP   ClientProtocol = "http"
	ProtocolRedir  ClientProtocol = "redir"
)

// ListenEntry configures one accepted-side listener.
type ListenEntry struct {
	Protocol ClientProtocol `json:"protocol" yaml:"protocol"`
	User     string         `json:"user,omitempty" yaml:"user,omitempty"`
	Pass     string         `json:"pass,omitempty" yaml:"pass,omitempty"`
	Addr     string         `json:"addr" yaml:"addr"`
	Port     int            `json:"port" yaml:"port"`
}

// ListenAddr returns the entry's address in "host:port" form.
func (l ListenEntry) ListenAddr() string {
	return fmt.Sprintf("%s:%d", l.Addr, l.Port)
}

// RequiresAuth reports whether SOCKS5 user/pass authentication (RFC 1929)
// is configured for this listener.
func (l ListenEntry) RequiresAuth() bool {
	return l.User != "" || l.Pass != ""
}

// Config is the top-level configuration structure.
type Config struct {
	Listen      []ListenEntry `json:"listen" yaml:"listen"`
	Proxy       string        `json:"proxy" yaml:"proxy"`
	Concurrency int           `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// ExtraHeaders is a verbatim CRLF-delimited header block inserted
	// into every upstream CONNECT request, e.g. a Host-obfuscation
	// header.
	ExtraHeaders string `json:"extra-headers,omitempty" yaml:"extra-headers,omitempty"`

	// HostResolverRules is a small subset of Chromium's host resolver
	// rule syntax: comma-separated "MAP from to" directives, used to seed
	// the fake-IP table for Redir mode.
	HostResolverRules string `json:"host-resolver-rules,omitempty" yaml:"host-resolver-rules,omitempty"`

	// ResolverRange is a CIDR (e.g. "198.18.0.0/16") that Redir mode's
	// fake-IP table is scoped to; addresses outside this range are
	// passed through to the orchestrator verbatim, unresolved.
	ResolverRange string `json:"resolver-range,omitempty" yaml:"resolver-range,omitempty"`

	// Upstream is populated by Validate from Proxy.
	Upstream UpstreamEndpoint `json:"-" yaml:"-"`
}

// UpstreamEndpoint is the (scheme, host, port) of the configured
// upstream HTTPS/HTTP2 proxy, plus any embedded basic-auth credentials.
type UpstreamEndpoint struct {
	Scheme string
	Host   string
	Port   string
	User   string
	Pass   string
}

// String renders the endpoint the way the padding-support registry keys
// on it: scheme://host:port, credentials excluded.
func (u UpstreamEndpoint) String() string {
	return fmt.Sprintf("%s://%s:%s", u.Scheme, u.Host, u.Port)
}

// Load reads and validates a JSON config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing JSON config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadYAML reads and validates a YAML config file at path.
func LoadYAML(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency and fills
// in derived fields (Upstream, default Concurrency).
func (c *Config) Validate() error {
	if len(c.Listen) == 0 {
		return fmt.Errorf("config: at least one listen entry is required")
	}
	for i, l := range c.Listen {
		switch l.Protocol {
		case ProtocolSocks5, ProtocolHTTP, ProtocolRedir:
		default:
			return fmt.Errorf("config: listen[%d]: unsupported protocol %q", i, l.Protocol)
		}
		if l.Addr == "" {
			return fmt.Errorf("config: listen[%d]: addr is required", i)
		}
		if l.Port <= 0 || l.Port > 65535 {
			return fmt.Errorf("config: listen[%d]: invalid port %d", i, l.Port)
		}
	}

	if c.Proxy == "" {
		return fmt.Errorf("config: proxy is required")
	}
	u, err := url.Parse(c.Proxy)
	if err != nil {
		return fmt.Errorf("config: parsing proxy URL: %w", err)
	}
	switch u.Scheme {
	case "https", "http", "quic":
	default:
		return fmt.Errorf("config: proxy: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("config: proxy: missing host")
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	endpoint := UpstreamEndpoint{Scheme: u.Scheme, Host: host, Port: port}
	if u.User != nil {
		endpoint.User = u.User.Username()
		endpoint.Pass, _ = u.User.Password()
	}
	c.Upstream = endpoint

	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}

	return nil
}

// ParseExtraHeaders splits a CRLF- or LF-delimited "Name: value" header
// block into name/value pairs, preserving input order, matching the
// original implementation's --extra-headers flag.
func ParseExtraHeaders(block string) ([][2]string, error) {
	if block == "" {
		return nil, nil
	}
	var out [][2]string
	for _, line := range strings.Split(strings.ReplaceAll(block, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("extra-headers: malformed line %q", line)
		}
		out = append(out, [2]string{strings.TrimSpace(name), strings.TrimSpace(value)})
	}
	return out, nil
}

// HostResolverRule is one "MAP from to" directive.
type HostResolverRule struct {
	From string
	To   string
}

// ParseHostResolverRules parses the small MAP-only subset of host
// resolver rule syntax used to seed the fake-IP table.
func ParseHostResolverRules(rules string) ([]HostResolverRule, error) {
	if rules == "" {
		return nil, nil
	}
	var out []HostResolverRule
	for _, stmt := range strings.Split(rules, ",") {
		fields := strings.Fields(strings.TrimSpace(stmt))
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 || !strings.EqualFold(fields[0], "MAP") {
			return nil, fmt.Errorf("host-resolver-rules: unsupported directive %q", stmt)
		}
		out = append(out, HostResolverRule{From: fields[1], To: fields[2]})
	}
	return out, nil
}

// SplitHostPort parses a "host:port" string commonly found in target
// endpoints, returning the numeric port as well.
func SplitHostPort(hostport string) (host string, port int, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("address %q: missing port", hostport)
	}
	host = hostport[:idx]
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	port, err = strconv.Atoi(hostport[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("address %q: invalid port: %w", hostport, err)
	}
	return host, port, nil
}
