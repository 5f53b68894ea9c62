package trader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	binanceCommon "github.com/adshao/go-binance/v2/common"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"deadline exceeded", context.DeadlineExceeded, SeverityRetryable},
		{"wrapped deadline", fmt.Errorf("tick: %w", context.DeadlineExceeded), SeverityRetryable},
		{"bybit rate limit", &APIError{Venue: "bybit", Code: 10006, Msg: "too many visits"}, SeverityRetryable},
		{"bybit server error", &APIError{Venue: "bybit", Code: 10016, Msg: "server error"}, SeverityRetryable},
		{"bybit bad key", &APIError{Venue: "bybit", Code: 10003, Msg: "invalid api key"}, SeverityFatal},
		{"bybit insufficient balance", &APIError{Venue: "bybit", Code: 110007, Msg: "ab not enough"}, SeverityFatal},
		{"bybit param error", &APIError{Venue: "bybit", Code: 10001, Msg: "param error"}, SeverityWarning},
		{"wrapped api error", fmt.Errorf("place: %w", &APIError{Venue: "bybit", Code: 10006}), SeverityRetryable},
		{"binance rate limit", &binanceCommon.APIError{Code: -1003, Message: "too many requests"}, SeverityRetryable},
		{"binance bad key", &binanceCommon.APIError{Code: -2015, Message: "invalid key"}, SeverityFatal},
		{"binance margin insufficient", &binanceCommon.APIError{Code: -2019, Message: "margin is insufficient"}, SeverityFatal},
		{"binance gtx reject", &binanceCommon.APIError{Code: -5022, Message: "post only reject"}, SeverityWarning},
		{"connection refused", errors.New("dial tcp: connection refused"), SeverityRetryable},
		{"timeout text", errors.New("request timeout"), SeverityRetryable},
		{"unknown error", errors.New("something odd"), SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSeverityHelpers(t *testing.T) {
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("Deadline should be retryable")
	}
	if !IsFatal(&APIError{Venue: "bybit", Code: 10004}) {
		t.Error("Signature mismatch should be fatal")
	}
	if IsFatal(errors.New("mystery")) {
		t.Error("Unknown errors should not be fatal")
	}
}
