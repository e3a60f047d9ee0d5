// Package failure defines the error taxonomy shared by the wallet, payment and
// escrow orchestrators. Every error surfaced to callers carries a stable Kind
// and Code so the transport layer can map it without string matching.
package failure

import (
	"errors"
	"fmt"
)

// Kind groups codes by how a caller is expected to react.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindAuthorization     Kind = "authorization"
	KindTimeout           Kind = "timeout"
	KindLedgerRejection   Kind = "ledger_rejection"
	KindContractRejection Kind = "contract_rejection"
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindUnavailable       Kind = "unavailable"
)

// Code identifies one failure condition.
type Code string

const (
	CodeContractNotConfigured Code = "contract_not_configured"
	CodeNetworkMismatch       Code = "network_mismatch"

	CodeAgentNotFound     Code = "agent_not_found"
	CodeAccessDenied      Code = "access_denied"
	CodeAgentLocked       Code = "agent_locked"
	CodeNoAddressReturned Code = "no_address_returned"
	CodeAgentError        Code = "agent_error"

	CodeAgentTimeout  Code = "agent_timeout"
	CodeSubmitTimeout Code = "submit_timeout"

	CodeSubmissionRejected Code = "submission_rejected"
	CodeContractRejected   Code = "contract_rejected"

	CodeInvalidRate    Code = "invalid_rate"
	CodeInvalidAmount  Code = "invalid_amount"
	CodeInvalidAddress Code = "invalid_address"
	CodeInvalidSecret  Code = "invalid_secret"
	CodeInvalidMemo    Code = "invalid_memo"
	CodeInvalidRequest Code = "invalid_request"

	CodeAccountNotFound     Code = "account_not_found"
	CodeTransactionNotFound Code = "transaction_not_found"
	CodeEscrowNotFound      Code = "escrow_not_found"

	CodeLedgerUnavailable   Code = "ledger_unavailable"
	CodeContractUnavailable Code = "contract_unavailable"
)

var kinds = map[Code]Kind{
	CodeContractNotConfigured: KindConfiguration,
	CodeNetworkMismatch:       KindConfiguration,
	CodeAgentNotFound:         KindAuthorization,
	CodeAccessDenied:          KindAuthorization,
	CodeAgentLocked:           KindAuthorization,
	CodeNoAddressReturned:     KindAuthorization,
	CodeAgentError:            KindAuthorization,
	CodeAgentTimeout:          KindTimeout,
	CodeSubmitTimeout:         KindTimeout,
	CodeSubmissionRejected:    KindLedgerRejection,
	CodeContractRejected:      KindContractRejection,
	CodeInvalidRate:           KindValidation,
	CodeInvalidAmount:         KindValidation,
	CodeInvalidAddress:        KindValidation,
	CodeInvalidSecret:         KindValidation,
	CodeInvalidMemo:           KindValidation,
	CodeInvalidRequest:        KindValidation,
	CodeAccountNotFound:       KindNotFound,
	CodeTransactionNotFound:   KindNotFound,
	CodeEscrowNotFound:        KindNotFound,
	CodeLedgerUnavailable:     KindUnavailable,
	CodeContractUnavailable:   KindUnavailable,
}

var hints = map[Code]string{
	CodeContractNotConfigured: "set ESCROW_CONTRACT_ADDRESS to the deployed escrow contract",
	CodeAgentNotFound:         "install Freighter from https://freighter.app, refresh the page and try again",
	CodeAccessDenied:          "allow the wallet to connect to this site and try again",
	CodeAgentLocked:           "unlock your wallet and try again",
	CodeNoAddressReturned:     "make sure the wallet is unlocked and has an account selected",
	CodeAgentTimeout:          "make sure the wallet extension is installed and responding, then try again",
	CodeSubmitTimeout:         "the transaction may still land; re-query balances or escrow state before retrying",
	CodeAccountNotFound:       "fund the account before sending from it",
}

// Error is the concrete error type returned by the orchestrators.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	// Reason carries a ledger or contract result code verbatim.
	Reason string
	Hint   string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so sentinels like ErrInvalidRate work
// with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds an error for code with the default kind and hint.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Kind:    KindOf(code),
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Hint:    hints[code],
	}
}

// Wrap is New with a cause attached.
func Wrap(code Code, err error, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Err = err
	return e
}

// Rejected builds a rejection carrying reason verbatim.
func Rejected(code Code, reason string, err error) *Error {
	e := New(code, "%s", rejectionMessage(code))
	e.Reason = reason
	e.Err = err
	return e
}

func rejectionMessage(code Code) string {
	if code == CodeContractRejected {
		return "escrow contract rejected the call"
	}
	return "ledger rejected the transaction"
}

// KindOf reports the kind registered for code.
func KindOf(code Code) Kind {
	if k, ok := kinds[code]; ok {
		return k
	}
	return KindUnavailable
}

// From extracts the *Error in err's chain.
func From(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf returns the code of err, or "" if err is not a *Error.
func CodeOf(err error) Code {
	if fe, ok := From(err); ok {
		return fe.Code
	}
	return ""
}

func sentinel(code Code) *Error { return &Error{Kind: KindOf(code), Code: code} }

var (
	ErrContractNotConfigured = sentinel(CodeContractNotConfigured)
	ErrAgentNotFound         = sentinel(CodeAgentNotFound)
	ErrAccessDenied          = sentinel(CodeAccessDenied)
	ErrAgentLocked           = sentinel(CodeAgentLocked)
	ErrNoAddressReturned     = sentinel(CodeNoAddressReturned)
	ErrAgentError            = sentinel(CodeAgentError)
	ErrAgentTimeout          = sentinel(CodeAgentTimeout)
	ErrSubmitTimeout         = sentinel(CodeSubmitTimeout)
	ErrSubmissionRejected    = sentinel(CodeSubmissionRejected)
	ErrContractRejected      = sentinel(CodeContractRejected)
	ErrInvalidRate           = sentinel(CodeInvalidRate)
	ErrInvalidAmount         = sentinel(CodeInvalidAmount)
	ErrInvalidAddress        = sentinel(CodeInvalidAddress)
	ErrInvalidSecret         = sentinel(CodeInvalidSecret)
	ErrInvalidMemo           = sentinel(CodeInvalidMemo)
	ErrAccountNotFound       = sentinel(CodeAccountNotFound)
	ErrTransactionNotFound   = sentinel(CodeTransactionNotFound)
	ErrNetworkMismatch       = sentinel(CodeNetworkMismatch)
)
