package nexio

import "fmt"

// Code is a stable, flat error-code namespace (spec §6). Values are never
// renumbered once released; append-only.
type Code int

const (
	// CodeSuccess is the zero value: no error.
	CodeSuccess Code = iota
	CodeSocketClosed
	CodeSocketTimeout
	CodeSocketConnectAborted
	CodeEventLoopShutdown
	CodeChannelShutdown
	CodeTLSNegotiationTimeout
	CodeTLSErrorHandshakeFailure
	CodeTLSErrorAlertReceived
	CodeTLSErrorWriteFailure
	CodeTLSErrorReadFailure
	CodeTLSErrorCtxError
	CodeInvalidArgument
	CodeSystemCallFailure
)

var codeNames = map[Code]string{
	CodeSuccess:                  "SUCCESS",
	CodeSocketClosed:             "SOCKET_CLOSED",
	CodeSocketTimeout:            "SOCKET_TIMEOUT",
	CodeSocketConnectAborted:     "SOCKET_CONNECT_ABORTED",
	CodeEventLoopShutdown:        "IO_EVENT_LOOP_SHUTDOWN",
	CodeChannelShutdown:          "CHANNEL_SHUTDOWN",
	CodeTLSNegotiationTimeout:    "TLS_NEGOTIATION_TIMEOUT",
	CodeTLSErrorHandshakeFailure: "TLS_ERROR_HANDSHAKE_FAILURE",
	CodeTLSErrorAlertReceived:    "TLS_ERROR_ALERT_RECEIVED",
	CodeTLSErrorWriteFailure:     "TLS_ERROR_WRITE_FAILURE",
	CodeTLSErrorReadFailure:      "TLS_ERROR_READ_FAILURE",
	CodeTLSErrorCtxError:         "TLS_ERROR_CTX_ERROR",
	CodeInvalidArgument:          "INVALID_ARGUMENT",
	CodeSystemCallFailure:        "SYSTEM_CALL_FAILURE",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// IsTLS classifies any TLS-origin failure (spec §6 error_code_is_tls).
func (c Code) IsTLS() bool {
	switch c {
	case CodeTLSNegotiationTimeout, CodeTLSErrorHandshakeFailure, CodeTLSErrorAlertReceived,
		CodeTLSErrorWriteFailure, CodeTLSErrorReadFailure, CodeTLSErrorCtxError:
		return true
	default:
		return false
	}
}

// CodedError pairs a stable Code with the underlying cause, if any.
type CodedError struct {
	Code  Code
	Cause error
}

func NewError(code Code) *CodedError               { return &CodedError{Code: code} }
func WrapError(code Code, cause error) *CodedError { return &CodedError{Code: code, Cause: cause} }

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *CodedError) Unwrap() error { return e.Cause }

// ErrorCodeIsTLS matches spec §6's error_code_is_tls(c) free function for
// callers that only have the raw Code, not a CodedError.
func ErrorCodeIsTLS(c Code) bool { return c.IsTLS() }

// FirstSticky implements the §7 policy: the first non-success error
// recorded on a channel is sticky, later successes never overwrite it.
// Call with the previously recorded code and a newly observed one.
func FirstSticky(recorded, incoming Code) Code {
	if recorded != CodeSuccess {
		return recorded
	}
	return incoming
}
