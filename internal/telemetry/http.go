package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WrapHTTPTransport wraps an existing transport with OTEL instrumentation,
// preserving its proxy and dialer configuration
func WrapHTTPTransport(transport http.RoundTripper) http.RoundTripper {
	if !IsEnabled() {
		return transport
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return otelhttp.NewTransport(transport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return SpanNameHTTPClient + " " + r.Method + " " + r.URL.Host
		}),
	)
}
