package inference

import "errors"

// Error kinds for inference failures. Transient kinds (timeout, unavailable)
// are retried with backoff and eventually push the decision engine onto its
// rule-based fallback. Malformed responses are structural: the service
// answered, the answer is unusable, retrying the same prompt is pointless.
var (
	// ErrTimeout: the per-request deadline fired.
	ErrTimeout = errors.New("inference: request timed out")

	// ErrUnavailable: connection refused, reset, or a non-2xx status.
	ErrUnavailable = errors.New("inference: service unavailable")

	// ErrMalformed: response body unparseable or missing required fields.
	ErrMalformed = errors.New("inference: malformed response")

	// ErrQueueClosed: the request queue was shut down before admission.
	ErrQueueClosed = errors.New("inference: queue closed")
)

// Transient reports whether the error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
