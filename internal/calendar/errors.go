package calendar

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/beekhof/hangoutcal/internal/domain"
)

// mapGoogleError classifies a Google API error into the domain taxonomy.
// The original error stays in the chain.
func mapGoogleError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden && !isRateLimitReason(apiErr):
			return fmt.Errorf("%s: %w: %w", op, domain.ErrUnauthorized, err)
		case apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrEventNotFound, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusForbidden || apiErr.Code >= 500:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrNetwork, err)
		default:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrInvalidResponse, err)
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrInvalidResponse, err)
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrNetwork, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// isRateLimitReason reports whether a 403 is a quota error rather than a permission error.
func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

// isSyncTokenExpired reports whether err is the 410 Gone returned for an invalid sync token.
func isSyncTokenExpired(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusGone
}

// isRateLimited reports whether err asks the client to slow down.
func isRateLimited(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusForbidden && isRateLimitReason(apiErr)
}

// retryAfter returns the server-requested backoff, or zero when absent.
func retryAfter(err error) time.Duration {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Header == nil {
		return 0
	}
	v := apiErr.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
