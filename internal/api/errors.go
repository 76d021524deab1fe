package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is a failed backend call. StatusCode is zero when no response arrived.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	TimedOut   bool
	Canceled   bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: backend returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	case e.TimedOut:
		return fmt.Sprintf("%s %s: request timed out: %v", e.Method, e.Path, e.Err)
	default:
		return fmt.Sprintf("%s %s: request failed: %v", e.Method, e.Path, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Failure is the structured description of an error that Classify works on.
type Failure struct {
	HasResponse bool // a status line was received
	StatusCode  int
	TimedOut    bool // the client's time budget ran out
	Transport   bool // connection-level failure with no response
}

// Describe reduces any error to a Failure. Errors that are neither HTTP nor
// transport failures yield the zero Failure.
func Describe(err error) Failure {
	if err == nil {
		return Failure{}
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return Failure{
			HasResponse: apiErr.StatusCode != 0,
			StatusCode:  apiErr.StatusCode,
			TimedOut:    apiErr.TimedOut,
			Transport:   apiErr.StatusCode == 0 && !apiErr.TimedOut && !apiErr.Canceled,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err) {
		return Failure{TimedOut: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Failure{Transport: true}
	}
	return Failure{}
}

// Category is the closed set of user-facing failure kinds.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNetwork
	CategoryTimeout
	CategoryServer
	CategoryUnavailable
	CategoryRateLimited
	CategoryGatewayTimeout
	CategoryClient
)

// Classify maps a failure onto a category. Every status code has an
// explicit rule; anything outside 4xx/5xx is unknown.
func Classify(f Failure) Category {
	switch {
	case f.TimedOut:
		return CategoryTimeout
	case f.HasResponse:
		return classifyStatus(f.StatusCode)
	case f.Transport:
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

func classifyStatus(code int) Category {
	switch {
	case code == http.StatusServiceUnavailable:
		return CategoryUnavailable
	case code == http.StatusTooManyRequests:
		return CategoryRateLimited
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return CategoryGatewayTimeout
	case code >= 500 && code <= 599:
		return CategoryServer
	case code >= 400 && code <= 499:
		return CategoryClient
	default:
		return CategoryUnknown
	}
}

// ClassifyError is Classify(Describe(err)).
func ClassifyError(err error) Category {
	return Classify(Describe(err))
}

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryTimeout:
		return "timeout"
	case CategoryServer:
		return "server_error"
	case CategoryUnavailable:
		return "unavailable"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryGatewayTimeout:
		return "gateway_timeout"
	case CategoryClient:
		return "client_error"
	default:
		return "unknown"
	}
}

// Message is the text shown to the user for the category.
func (c Category) Message() string {
	switch c {
	case CategoryNetwork:
		return "The assistant is currently unavailable. Please try again shortly."
	case CategoryTimeout:
		return "This is taking longer than usual. Please try again."
	case CategoryServer:
		return "The assistant ran into an issue. Please try again shortly."
	case CategoryUnavailable:
		return "The service is temporarily unavailable. Please try again in a moment."
	case CategoryRateLimited:
		return "Too many requests right now. Please wait a moment and retry."
	case CategoryGatewayTimeout:
		return "The request timed out. Please try again."
	case CategoryClient:
		return "There was a problem with your request. Try rephrasing your question."
	default:
		return "Something went wrong. Please try again."
	}
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
