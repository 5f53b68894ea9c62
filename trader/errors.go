package trader

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	binanceCommon "github.com/adshao/go-binance/v2/common"
)

// Severity buckets every venue failure into one of three handling paths:
// retryable errors back off and try again, warnings are logged and leave
// the affected level for the next tick, fatal errors halt trading.
type Severity int

const (
	SeverityRetryable Severity = iota
	SeverityWarning
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityRetryable:
		return "retryable"
	case SeverityFatal:
		return "fatal"
	default:
		return "warning"
	}
}

// APIError is a business-level rejection from a venue (non-zero retCode).
type APIError struct {
	Venue string
	Code  int
	Msg   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Venue, e.Code, e.Msg)
}

// Bybit v5 retCode buckets.
var bybitRetryable = map[int]bool{
	10002: true, // request timestamp drift
	10006: true, // rate limit
	10016: true, // internal server error
}

var bybitFatal = map[int]bool{
	10003:  true, // invalid api key
	10004:  true, // signature mismatch
	10005:  true, // permission denied
	110007: true, // insufficient available balance
}

// Binance futures error code buckets.
var binanceRetryable = map[int]bool{
	-1003: true, // too many requests
	-1021: true, // timestamp outside recvWindow
}

var binanceFatal = map[int]bool{
	-2014: true, // bad api key format
	-2015: true, // invalid key or ip
	-2019: true, // margin insufficient
}

// Classify maps an error to its handling severity. Unknown errors are
// warnings: the affected order stays planned and the next tick tries again.
func Classify(err error) Severity {
	if err == nil {
		return SeverityWarning
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SeverityRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return SeverityRetryable
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case bybitRetryable[apiErr.Code]:
			return SeverityRetryable
		case bybitFatal[apiErr.Code]:
			return SeverityFatal
		}
		return SeverityWarning
	}

	var bErr *binanceCommon.APIError
	if errors.As(err, &bErr) {
		code := int(bErr.Code)
		switch {
		case binanceRetryable[code]:
			return SeverityRetryable
		case binanceFatal[code]:
			return SeverityFatal
		}
		return SeverityWarning
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"timeout", "connection refused", "connection reset", "eof",
		"temporary", "bad gateway", "service unavailable", "too many requests",
	} {
		if strings.Contains(msg, hint) {
			return SeverityRetryable
		}
	}

	return SeverityWarning
}

func IsRetryable(err error) bool { return Classify(err) == SeverityRetryable }

func IsFatal(err error) bool { return Classify(err) == SeverityFatal }
