package canonical

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
)

// Sign signs e using sk, returning a copy with Sig and IdempotencyKey set.
// Deterministic: the same envelope and key always yield the same signature,
// because Ed25519 signing is itself deterministic over its input message.
func Sign(e Envelope, sk ed25519.PrivateKey) (Envelope, error) {
	out := e
	out.Sig = nil
	cb, err := out.CanonicalBytes()
	if err != nil {
		return Envelope{}, err
	}
	out.Sig = ed25519.Sign(sk, cb)
	out.IdempotencyKey = idempotencyFromCanonical(cb)
	return out, nil
}

// Verify recomputes the canonical bytes (with Sig cleared) and reports
// whether Sig is a valid Ed25519 signature over them for pk. It never
// panics or returns an error: a malformed envelope, wrong-length key, or
// wrong-length signature all simply report false.
func Verify(e Envelope, pk ed25519.PublicKey) bool {
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	if len(e.Sig) != SignatureSize {
		return false
	}
	stripped := e
	stripped.Sig = nil
	cb, err := stripped.CanonicalBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(pk, cb, e.Sig)
}

// IdempotencyOf returns the hex-encoded SHA-256 of the envelope's canonical
// bytes (Sig cleared) — the same bytes that were signed. Two envelopes with
// identical version, timestamp, payload and PrevSig produce identical keys
// regardless of signature.
func IdempotencyOf(e Envelope) (string, error) {
	stripped := e
	stripped.Sig = nil
	cb, err := stripped.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return idempotencyFromCanonical(cb), nil
}

func idempotencyFromCanonical(canonicalBytes []byte) string {
	sum := sha256.Sum256(canonicalBytes)
	return hex.EncodeToString(sum[:])
}
