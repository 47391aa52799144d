// Package fhirerr implements the error-kind taxonomy of SPEC_FULL.md §7.
// Every anomaly the core raises — from a malformed bundle entry to a
// CAS conflict inside the Resource Store — is wrapped as an *Error
// carrying a Kind, a human message, and optionally a FHIR issue code and
// an expression path into the offending part of the input bundle.
//
// Errors are built on github.com/cockroachdb/errors so causes keep their
// stack traces and remain usable with errors.Is/errors.As across package
// boundaries, the way the rest of this corpus wraps internal faults.
package fhirerr

import (
	"fmt"

	cockroacherrors "github.com/cockroachdb/errors"
)

// Kind enumerates the anomaly categories of SPEC_FULL.md §7.
type Kind string

const (
	Incorrect  Kind = "incorrect"     // malformed input -> 400
	NotFound   Kind = "not_found"     // missing resource -> 404
	Conflict   Kind = "conflict"      // CAS failure, referential integrity, multiple matches -> 409/412
	NotSupport Kind = "not_supported" // method/feature unimplemented -> 422/405
	Busy       Kind = "busy"          // throttling/timeout -> 503
	Fault      Kind = "fault"         // internal invariant violation -> 500
)

// Error is the single concrete error type the core raises.
type Error struct {
	Kind       Kind
	Message    string
	IssueCode  string // FHIR OperationOutcome issue.code, e.g. "invalid", "conflict"
	Expression string // e.g. "Bundle.entry[0].request.url"
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with a stack-carrying cause of its own, so a bare
// fhirerr.New(...) is still inspectable via cockroachdb/errors tooling.
func New(kind Kind, issueCode, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		IssueCode: issueCode,
		cause:     cockroacherrors.NewWithDepth(1, message),
	}
}

// Newf is New with Printf-style formatting of message.
func Newf(kind Kind, issueCode, format string, args ...any) *Error {
	return New(kind, issueCode, fmt.Sprintf(format, args...))
}

// Wrap attaches a Kind/issue code to an existing error without losing its
// stack trace or identity for errors.Is/errors.As.
func Wrap(kind Kind, issueCode string, err error, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		IssueCode: issueCode,
		cause:     cockroacherrors.WithMessage(err, message),
	}
}

// AtExpression returns a copy of e with Expression set, used to point a
// diagnostic at the offending entry: Bundle.entry[i].request.url.
func (e *Error) AtExpression(expr string) *Error {
	clone := *e
	clone.Expression = expr
	return &clone
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error,
// defaulting to Fault for anything else so every anomaly maps to an
// HTTP status.
func KindOf(err error) Kind {
	var fe *Error
	if cockroacherrors.As(err, &fe) {
		return fe.Kind
	}
	return Fault
}

// HTTPStatus maps a Kind to the default HTTP status a single-entry
// interaction would surface. Conflict defaults to 409 and NotSupport to
// 422; StatusOf refines both by IssueCode for the cases spec.md calls
// out separately.
func HTTPStatus(k Kind) int {
	switch k {
	case Incorrect:
		return 400
	case NotFound:
		return 404
	case Conflict:
		return 409
	case NotSupport:
		return 422
	case Busy:
		return 503
	default:
		return 500
	}
}

// StatusOf is HTTPStatus refined by IssueCode for the cases spec.md §8
// distinguishes within a single Kind:
//   - Conflict/"conflict" (CAS/optimistic-lock, conditional-create ≥2
//     matches) reports 412, as opposed to referential-integrity
//     violations (IssueCode "business-rule"), which stay 409.
//   - NotSupport/"not-allowed" (POST to Type/id) reports 405, as opposed
//     to an unsupported interaction method (IssueCode "not-supported"),
//     which stays 422.
func StatusOf(err error) int {
	var fe *Error
	if cockroacherrors.As(err, &fe) {
		switch {
		case fe.Kind == Conflict && fe.IssueCode == "conflict":
			return 412
		case fe.Kind == NotSupport && fe.IssueCode == "not-allowed":
			return 405
		}
	}
	return HTTPStatus(KindOf(err))
}
