package metrics

import (
	"net"
	"net/http"
	"time"
)

const pushTimeout = 30 * time.Second

// newHTTPClient creates a client with bounded dial, handshake and header
// timeouts for talking to the pushgateway.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = pushTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			IdleConnTimeout:       30 * time.Second,
			MaxIdleConns:          2,
		},
	}
}
