package main

import (
	"net"
	"strings"
)

// advertisedURLs is what the broker logs at startup so operators can reach it.
type advertisedURLs struct {
	HTTP   string
	Socket string
}

// listenerURLs derives the REST base and the room socket template for address.
func listenerURLs(address string, tlsEnabled bool) advertisedURLs {
	httpScheme, wsScheme := "http", "ws"
	if tlsEnabled {
		httpScheme, wsScheme = "https", "wss"
	}
	host := reachableHostPort(address)
	return advertisedURLs{
		HTTP:   httpScheme + "://" + host,
		Socket: wsScheme + "://" + host + "/rooms/{roomId}/ws",
	}
}

// reachableHostPort swaps wildcard or missing hosts for localhost.
func reachableHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return trimmed
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
