package capital

import (
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds one HTTP exchange; exceeding it is a transient failure.
const DefaultTimeout = 60 * time.Second

// baseTransportConfig returns the shared HTTP transport used by the client and the session login.
func baseTransportConfig() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 2 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   16,
	}
}

// NewHTTPClient creates an HTTP client for provider requests.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: baseTransportConfig(),
		Timeout:   timeout,
	}
}
