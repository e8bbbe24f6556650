package binance

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"spot-connect/internal/core"
)

const (
	apiCodeDisconnected     = -1001
	apiCodeTooManyRequests  = -1003
	apiCodeTimeout          = -1007
	apiCodeInvalidSignature = -1022
	apiCodeNewOrderRejected = -2010
	apiCodeCancelRejected   = -2011
	apiCodeOrderNotFound    = -2013
	apiCodeBadAPIKeyFormat  = -2014
	apiCodeRejectedAPIKey   = -2015
)

var apiErrorMessageKinds = map[string]error{
	"duplicate order sent.":                                  core.ErrDuplicateOrder,
	"account has insufficient balance for requested action.": core.ErrInsufficientBalance,
	"unknown order sent.":                                    core.ErrOrderNotFound,
	"order does not exist.":                                  core.ErrOrderNotFound,
}

// parseAPIError turns a non-2xx response into an error joined with the
// matching core kinds, so callers can test with errors.Is.
func parseAPIError(status int, body []byte) error {
	var base error
	code := 0
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		code = apiErr.Code
		base = APIError{Code: apiErr.Code, Msg: apiErr.Msg}
	} else {
		base = fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
	}
	kinds := classifyStatus(status)
	if code != 0 {
		kinds = append(kinds, classifyAPIErrorKinds(APIError{Code: code, Msg: apiErr.Msg})...)
	}
	kinds = dedupeKinds(kinds)
	if len(kinds) == 0 {
		return base
	}
	return errors.Join(append([]error{base}, kinds...)...)
}

func classifyStatus(status int) []error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return []error{core.ErrUnauthorized}
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return []error{core.ErrRateLimited}
	case status == http.StatusRequestTimeout || status >= 500:
		return []error{core.ErrTransient}
	}
	return nil
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	normalizedMsg := strings.ToLower(strings.TrimSpace(apiErr.Msg))

	switch apiErr.Code {
	case apiCodeInvalidSignature, apiCodeBadAPIKeyFormat, apiCodeRejectedAPIKey:
		kinds = append(kinds, core.ErrUnauthorized)
	case apiCodeTooManyRequests:
		kinds = append(kinds, core.ErrRateLimited)
	case apiCodeDisconnected, apiCodeTimeout:
		kinds = append(kinds, core.ErrTransient)
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		kinds = append(kinds, core.ErrOrderNotFound)
	case apiCodeNewOrderRejected:
		if _, ok := apiErrorMessageKinds[normalizedMsg]; !ok {
			kinds = append(kinds, core.ErrOrderRejected)
		}
	}
	if kind, ok := apiErrorMessageKinds[normalizedMsg]; ok {
		kinds = append(kinds, kind)
	}
	return kinds
}

func dedupeKinds(kinds []error) []error {
	out := kinds[:0]
	for _, kind := range kinds {
		dup := false
		for _, existing := range out {
			if existing == kind {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, kind)
		}
	}
	return out
}

// transientError marks a transport failure for the retry loop.
func transientError(err error) error {
	return errors.Join(err, core.ErrTransient)
}

func invalidResponse(err error) error {
	return errors.Join(err, core.ErrInvalidResponse)
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
