package hyco

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultRelaySuffix is the Azure Relay namespace suffix for the public cloud.
const DefaultRelaySuffix = ".servicebus.windows.net"

// ParseRelayEndpoint normalizes a relay namespace to a bare FQDN.
//
// Accepted input formats:
//   - Bare namespace name: "my-relay" → "my-relay" + defaultSuffix
//   - FQDN: "my-relay.servicebus.windows.net" → used as-is
//   - URI with scheme: "sb://my-relay.servicebus.windows.net" → host extracted
//
// Empty input is returned as-is.
func ParseRelayEndpoint(input, defaultSuffix string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err == nil && u.Hostname() != "" {
			host := u.Hostname()
			if strings.Contains(host, ".") {
				return host
			}
			return host + defaultSuffix
		}
	}
	if strings.Contains(input, ".") {
		return input
	}
	return input + defaultSuffix
}

// ResourceURI returns the HTTPS resource URI a token is issued for.
func ResourceURI(endpoint, entityPath string) string {
	base := "https://" + hostOf(endpoint)
	if entityPath != "" {
		return base + "/" + entityPath
	}
	return base
}

// ListenURL returns the control channel URL for entityPath. An endpoint
// that already carries a ws:// or wss:// scheme is used as given.
func ListenURL(endpoint, entityPath, token string) string {
	base := endpoint
	if !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://") {
		base = "wss://" + base
	}
	return fmt.Sprintf("%s/$hc/%s?sb-hc-action=listen&sb-hc-token=%s",
		strings.TrimSuffix(base, "/"), url.PathEscape(entityPath), url.QueryEscape(token))
}

func hostOf(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i != -1 {
		return endpoint[i+3:]
	}
	return endpoint
}
