package ghstatus

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// retryingTransport retries a request up to maxRetries times on transport
// errors or 5xx responses, with a short fixed backoff, so a single flaky
// status poll does not flip the health flag.
type retryingTransport struct {
	delegate   http.RoundTripper
	maxRetries int
	backoff    time.Duration
}

func newRetryingTransport(delegate http.RoundTripper, maxRetries int) http.RoundTripper {
	return &retryingTransport{delegate: delegate, maxRetries: maxRetries, backoff: 200 * time.Millisecond}
}

func (t *retryingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		resp, err = t.delegate.RoundTrip(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if attempt < t.maxRetries {
			if resp != nil {
				resp.Body.Close()
			}
			time.Sleep(t.backoff)
		}
	}
	return resp, err
}
