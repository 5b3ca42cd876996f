package transport

import (
	"net/http"

	"golang.org/x/time/rate"
)

// rateLimitedRoundTripper throttles outbound requests through one client to
// rps per second (spec.md §4.9 supplemental; under Factory.DialFunc that is
// one limiter per proxy URL) — independent of
// AutoscaledPool's crawl-wide concurrency control, which bounds how many
// tasks run at once, not how fast any one session's transport fires.
type rateLimitedRoundTripper struct {
	rt      http.RoundTripper
	limiter *rate.Limiter
}

func newRateLimitedRoundTripper(rt http.RoundTripper, rps float64, burst int) http.RoundTripper {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitedRoundTripper{rt: rt, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *rateLimitedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.rt.RoundTrip(req)
}
