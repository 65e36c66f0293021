package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/cosmasemerah/verify-nft-claim/internal/chain/rpc"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// StatusError is a non-2xx HTTP response from an upstream API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return ClassifyHTTPStatus(statusErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyJSONRPCCode(rpcErr.Code)
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

// ClassifyHTTPStatus maps a response status to a retry class. 429, 408 and
// 5xx are transient; other 4xx are terminal.
func ClassifyHTTPStatus(code int) Decision {
	switch {
	case code == http.StatusTooManyRequests:
		return Decision{Class: ClassTransient, Reason: "http_rate_limited"}
	case code == http.StatusRequestTimeout:
		return Decision{Class: ClassTransient, Reason: "http_request_timeout"}
	case code >= 500:
		return Decision{Class: ClassTransient, Reason: "http_server_error"}
	case code >= 400:
		return Decision{Class: ClassTerminal, Reason: "http_client_error"}
	default:
		return Decision{Class: ClassTerminal, Reason: "http_unexpected_status"}
	}
}

func classifyJSONRPCCode(code int) Decision {
	if code == -32603 || code == -32005 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"eof",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"unauthorized",
	"forbidden",
	"not found",
}
