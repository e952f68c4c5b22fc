package fetch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ehr/fhirsync/internal/platform/fhir"
)

var (
	// ErrFetchFailed is matched by every *FetchError.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrRateLimited is matched by a *FetchError whose last attempt got 429.
	ErrRateLimited = errors.New("rate limited by server")
)

// FetchError describes a page request that could not be completed, either
// because retries were exhausted or because the server answered with a
// non-retryable status.
type FetchError struct {
	ResourceType fhir.ResourceType
	URL          string
	StatusCode   int
	Attempts     int
	Err          error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s failed after %d attempt(s)", e.ResourceType, e.Attempts)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrFetchFailed:
		return true
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// statusError renders a non-2xx response, preferring an OperationOutcome
// summary when the server sent one.
func statusError(status int, body []byte) error {
	if oo := fhir.ParseOperationOutcome(body); oo != nil {
		if s := oo.Summary(); s != "" {
			return fmt.Errorf("server returned %d: %s", status, s)
		}
	}
	return fmt.Errorf("server returned %d %s", status, http.StatusText(status))
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
