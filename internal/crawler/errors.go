package crawler

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrGone reports that the upstream answered 410 and the resource no longer exists.
var ErrGone = errors.New("resource gone")

// ErrNotFound is returned by BlobStore.Get for a missing key.
var ErrNotFound = errors.New("object not found")

// StatusError is returned for any response that is neither 200 nor 410.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) for %s", e.Code, http.StatusText(e.Code), e.URL)
}

// IsTimeout reports whether err is a timeout-class network error.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
