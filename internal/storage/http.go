package storage

import (
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// NewHTTPClient returns the pooled client shared by storage writes and the
// identity endpoint.
func NewHTTPClient(timeout time.Duration, enableHTTP2 bool) *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if enableHTTP2 {
		_ = http2.ConfigureTransport(tr)
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}
}
