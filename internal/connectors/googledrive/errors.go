package googledrive

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/crawlcore/internal/bounded"
)

var rateLimitReasons = map[string]struct{}{
	"rateLimitExceeded":     {},
	"userRateLimitExceeded": {},
	"dailyLimitExceeded":    {},
}

// Classify maps Drive API and OAuth2 failures onto outcome kinds. It is
// registered with the executor so every bounded call that reaches Drive is
// classified the same way.
func Classify(err error) (bounded.Kind, bool) {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= http.StatusInternalServerError {
			return bounded.KindTransient, true
		}
		return bounded.KindFatal, true
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return 0, false
	}
	switch {
	case gerr.Code == http.StatusTooManyRequests, gerr.Code >= http.StatusInternalServerError:
		return bounded.KindTransient, true
	case gerr.Code == http.StatusForbidden && isRateLimited(gerr):
		return bounded.KindTransient, true
	case gerr.Code >= http.StatusBadRequest:
		return bounded.KindFatal, true
	}
	return 0, false
}

// IsNotFound reports whether err is a Drive 404.
func IsNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if _, ok := rateLimitReasons[item.Reason]; ok {
			return true
		}
	}
	return false
}

// annotate attaches a Retry-After hint when Drive supplied one.
func annotate(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Header == nil {
		return err
	}
	raw := gerr.Header.Get("Retry-After")
	if raw == "" {
		return err
	}
	if secs, perr := strconv.Atoi(raw); perr == nil && secs > 0 {
		return bounded.WithRetryAfter(err, time.Duration(secs)*time.Second)
	}
	if at, perr := http.ParseTime(raw); perr == nil {
		if d := time.Until(at); d > 0 {
			return bounded.WithRetryAfter(err, d)
		}
	}
	return err
}
