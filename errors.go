package imsdk

import "fmt"

// Kind enumerates the error taxonomy from the core's error handling design.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotInitialized
	KindNotLoggedIn
	KindInvalidParameter
	KindInvalidContent
	KindNetworkError
	KindAuthenticationFailed
	KindTimeout
	KindCancelled
	KindDatabaseError
	KindPacketLoss
	KindKickedOut
	KindMaxReconnectAttemptsReached
	KindRevokeTimeExpired
	KindPermissionDenied
	KindMessageNotFound
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindNotInitialized:
		return "NotInitialized"
	case KindNotLoggedIn:
		return "NotLoggedIn"
	case KindInvalidParameter:
		return "InvalidParameter"
	case KindInvalidContent:
		return "InvalidContent"
	case KindNetworkError:
		return "NetworkError"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindDatabaseError:
		return "DatabaseError"
	case KindPacketLoss:
		return "PacketLoss"
	case KindKickedOut:
		return "KickedOut"
	case KindMaxReconnectAttemptsReached:
		return "MaxReconnectAttemptsReached"
	case KindRevokeTimeExpired:
		return "RevokeTimeExpired"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindMessageNotFound:
		return "MessageNotFound"
	case KindCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// Error is the single error type returned across the SDK's public surface.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error

	// Expected/Received/Gap are populated only for KindPacketLoss.
	Expected uint32
	Received uint32
	Gap      uint32
}

func (e *Error) Error() string {
	if e.Kind == KindPacketLoss {
		return fmt.Sprintf("packet_loss: expected=%d received=%d gap=%d", e.Expected, e.Received, e.Gap)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, imsdk.ErrKind(KindX)) style comparisons by Kind.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == e.Kind
}

// NewError constructs an *Error wrapping cause with detail, for the given kind.
func NewError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// ErrKind builds a sentinel *Error suitable for errors.Is comparisons.
func ErrKind(kind Kind) *Error { return &Error{Kind: kind} }

// PacketLossError constructs the observational packet-loss signal described
// in the packet codec's gap-detection policy.
func PacketLossError(expected, received, gap uint32) *Error {
	return &Error{Kind: KindPacketLoss, Expected: expected, Received: received, Gap: gap}
}
