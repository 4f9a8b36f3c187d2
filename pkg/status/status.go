// Package status defines the closed set of error kinds returned by the pairing and provisioning core.
package status

import "errors"

// Kind is a typed error identifying one failure condition. Every error returned by the
// protocol core wraps exactly one Kind so that callers can classify it with errors.Is or KindOf.
type Kind uint8

// Class groups kinds by how callers are expected to react.
type Class uint8

const (
	// ClassUsage covers caller mistakes such as out-of-order calls or bad parameters.
	ClassUsage Class = iota
	// ClassTransient covers conditions that may clear on retry.
	ClassTransient
	// ClassStructural covers malformed or unauthenticated protocol data. Fatal to the session.
	ClassStructural
	// ClassBlob covers sealed pairing blob failures. The blob must be deleted by the caller.
	ClassBlob
	// ClassRevocation covers group, private-key and signature revocation.
	ClassRevocation
	// ClassResource covers resource exhaustion.
	ClassResource
	// ClassBackend covers rejections reported by the provisioning backend.
	ClassBackend
)

var classNames = [...]string{
	ClassUsage:      "usage",
	ClassTransient:  "transient",
	ClassStructural: "structural",
	ClassBlob:       "blob",
	ClassRevocation: "revocation",
	ClassResource:   "resource",
	ClassBackend:    "backend",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "unknown"
}

// Error kinds.
const (
	ErrUnknown Kind = iota
	ErrCallOrder
	ErrParameter
	ErrNotFound
	ErrNotProvisioned
	ErrCrypto

	ErrBusy
	ErrNetworkUnavailable
	ErrServerBusy
	ErrEnclaveLost

	ErrMalformedRecord
	ErrEntryCountExceeded
	ErrRevocationListInvalid
	ErrHMACMismatch
	ErrPublicKeyMismatch
	ErrTaskInfo
	ErrSignatureInvalid
	ErrCertificateInvalid
	ErrGIDMismatch
	ErrProtocolRejected

	ErrPairingBlobInvalid
	ErrUnsealing
	ErrStructural

	ErrGroupRevoked
	ErrPrivateKeyRevoked
	ErrSignatureRevoked

	ErrInsufficientMemory

	ErrBackendInvalidGID
	ErrBackendGroupRevoked
	ErrBackendInvalidQuote
	ErrBackendInvalidRequest
	ErrBackendVersionMismatch
	ErrBackendUnknown

	kindCount
)

var kindInfo = [kindCount]struct {
	msg   string
	class Class
}{
	ErrUnknown:        {"unknown error", ClassUsage},
	ErrCallOrder:      {"call out of order", ClassUsage},
	ErrParameter:      {"invalid parameter", ClassUsage},
	ErrNotFound:       {"not found", ClassUsage},
	ErrNotProvisioned: {"verifier not provisioned", ClassUsage},
	ErrCrypto:         {"cryptographic operation failed", ClassUsage},

	ErrBusy:               {"busy", ClassTransient},
	ErrNetworkUnavailable: {"network unavailable", ClassTransient},
	ErrServerBusy:         {"backend busy", ClassTransient},
	ErrEnclaveLost:        {"secure context lost", ClassTransient},

	ErrMalformedRecord:       {"malformed record", ClassStructural},
	ErrEntryCountExceeded:    {"revocation list entry count exceeds ceiling", ClassStructural},
	ErrRevocationListInvalid: {"revocation list invalid", ClassStructural},
	ErrHMACMismatch:          {"hmac mismatch", ClassStructural},
	ErrPublicKeyMismatch:     {"ephemeral public key mismatch", ClassStructural},
	ErrTaskInfo:              {"task info mismatch", ClassStructural},
	ErrSignatureInvalid:      {"signature invalid", ClassStructural},
	ErrCertificateInvalid:    {"certificate invalid", ClassStructural},
	ErrGIDMismatch:           {"group id mismatch", ClassStructural},
	ErrProtocolRejected:      {"request rejected by peer", ClassStructural},

	ErrPairingBlobInvalid: {"pairing blob invalid", ClassBlob},
	ErrUnsealing:          {"unsealing failed", ClassBlob},
	ErrStructural:         {"sealed blob structure invalid", ClassBlob},

	ErrGroupRevoked:      {"group revoked", ClassRevocation},
	ErrPrivateKeyRevoked: {"private key revoked", ClassRevocation},
	ErrSignatureRevoked:  {"signature revoked", ClassRevocation},

	ErrInsufficientMemory: {"insufficient memory", ClassResource},

	ErrBackendInvalidGID:      {"backend: invalid group id", ClassBackend},
	ErrBackendGroupRevoked:    {"backend: group revoked", ClassBackend},
	ErrBackendInvalidQuote:    {"backend: invalid quote", ClassBackend},
	ErrBackendInvalidRequest:  {"backend: invalid request", ClassBackend},
	ErrBackendVersionMismatch: {"backend: protocol version mismatch", ClassBackend},
	ErrBackendUnknown:         {"backend: unrecognized status", ClassBackend},
}

func (k Kind) Error() string {
	if k >= kindCount {
		return "invalid error kind"
	}
	return kindInfo[k].msg
}

// Class returns the class the kind belongs to.
func (k Kind) Class() Class {
	if k >= kindCount {
		return ClassUsage
	}
	return kindInfo[k].class
}

// Transient reports whether a retry may succeed.
func (k Kind) Transient() bool {
	return k.Class() == ClassTransient
}

// KindOf returns the outermost Kind wrapped by err, ErrUnknown for non-nil errors that carry none.
func KindOf(err error) Kind {
	if err == nil {
		return ErrUnknown
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ErrUnknown
}

// IsTransient reports whether err carries a transient kind.
func IsTransient(err error) bool {
	return err != nil && KindOf(err).Transient()
}
