package cnwlicense

import (
	"net/http"
	"time"
)

// ClientOption configures an OnlineClient.
type ClientOption func(*OnlineClient)

// WithHTTPClient sets a custom HTTP client for the OnlineClient.
// The client's Timeout will be overridden by WithTimeout (or the default 10s).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *OnlineClient) {
		o.httpClient = c
	}
}

// WithTimeout sets the per-attempt HTTP timeout. Default is 10 seconds.
// Option ordering does not matter: timeout is always applied after all options.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *OnlineClient) {
		o.timeout = d
	}
}

// WithUserAgent sets the User-Agent header sent with requests.
func WithUserAgent(ua string) ClientOption {
	return func(o *OnlineClient) {
		o.userAgent = ua
	}
}

// WithAdminToken sets the bearer token for administrative routes.
func WithAdminToken(token string) ClientOption {
	return func(o *OnlineClient) {
		o.adminToken = token
	}
}

// WithInstanceID sets the default instance identifier for Activate and
// Validate. See InstanceID for a generated, machine-stable value.
func WithInstanceID(id string) ClientOption {
	return func(o *OnlineClient) {
		o.instanceID = id
	}
}

// WithRetries sets how many times a request is retried after a network
// failure or a 5xx response, and the initial backoff, which doubles on
// every retry. Defaults are 3 retries and 100ms.
func WithRetries(n int, backoff time.Duration) ClientOption {
	return func(o *OnlineClient) {
		if n >= 0 {
			o.retries = n
		}
		if backoff > 0 {
			o.backoff = backoff
		}
	}
}
