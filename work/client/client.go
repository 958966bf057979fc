package client

import (
	"net/http"
	"time"

	"lazytuner/work/config"
)

// HeaderSettingClient wraps http.Client to stamp every outbound request
// with the provider's expected headers. Some upstreams reject requests
// without a recognizable player User-Agent or Origin.
type HeaderSettingClient struct {
	Client   *http.Client
	provider *config.Provider
}

// NewAPIClient builds the client used for provider API calls (schedule,
// content, manifest negotiation). Every call carries the configured
// per-request timeout, so a hung provider surfaces as an error instead
// of blocking the caller.
func NewAPIClient(cfg *config.Config) *HeaderSettingClient {
	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout: cfg.FetchTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		provider: &cfg.Provider,
	}
}

// NewStreamClient builds the client used for media relay. There is no
// overall timeout because a live stream runs for hours; only the time to
// first response header is bounded.
func NewStreamClient(cfg *config.Config) *HeaderSettingClient {
	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				DisableKeepAlives:     false,
				ResponseHeaderTimeout: cfg.StreamTimeout,
			},
		},
		provider: &cfg.Provider,
	}
}

// Do stamps the provider headers on the request and executes it.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.provider.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.provider.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.provider.ReqOrigin)
	}
	if hsc.provider.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.provider.ReqReferrer)
	}
}
