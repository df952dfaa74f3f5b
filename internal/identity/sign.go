package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"loom/internal/domain"
)

const (
	// DefaultTolerance bounds the accepted clock skew between signer and
	// verifier; ToleranceCeiling is the hard upper limit.
	DefaultTolerance = 5 * time.Minute
	ToleranceCeiling = 24 * time.Hour
)

// SignedRequest is the wire form of a signed mutation. RequestHash is
// the claimed SHA-256 hex digest of the body; verification recomputes it
// and never trusts this field.
type SignedRequest struct {
	Actor       string `json:"actor"`
	SignedAt    string `json:"signed_at" format:"date-time"`
	RequestHash string `json:"request_hash"`
	Signature   string `json:"signature"`
}

// HashBody returns the lowercase SHA-256 hex digest of a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignableString builds the canonical string covered by the signature:
// actor|signedAt|bodyHash, pipe-delimited with no escaping. Actor names
// containing a pipe would make the encoding ambiguous, so Sign rejects
// them outright.
func SignableString(actor, signedAt, bodyHash string) string {
	return actor + "|" + signedAt + "|" + bodyHash
}

// GenerateKeyPair returns a fresh Ed25519 pair, both base64
// standard-padded: 44 chars for the public key, 88 for the seed+public
// private form.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(pub), base64.StdEncoding.EncodeToString(priv), nil
}

// ParsePublicKey decodes a base64 standard-padded Ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, domain.IdentityError{Reason: fmt.Sprintf("public key is not valid base64: %v", err)}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, domain.IdentityError{Reason: fmt.Sprintf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))}
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a base64 standard-padded Ed25519 private key.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, domain.IdentityError{Reason: fmt.Sprintf("private key is not valid base64: %v", err)}
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, domain.IdentityError{Reason: fmt.Sprintf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))}
	}
	return ed25519.PrivateKey(raw), nil
}

// Sign produces a SignedRequest over the body for the given actor.
func Sign(actor string, body []byte, priv ed25519.PrivateKey, now time.Time) (SignedRequest, error) {
	if strings.TrimSpace(actor) == "" {
		return SignedRequest{}, domain.ValidationError{Field: "actor", Reason: "must not be empty"}
	}
	if strings.Contains(actor, "|") {
		return SignedRequest{}, domain.ValidationError{Field: "actor", Reason: "must not contain '|'"}
	}
	signedAt := now.UTC().Format(time.RFC3339)
	hash := HashBody(body)
	sig := ed25519.Sign(priv, []byte(SignableString(actor, signedAt, hash)))
	return SignedRequest{
		Actor:       actor,
		SignedAt:    signedAt,
		RequestHash: hash,
		Signature:   base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func failure(status domain.VerificationStatus, actor, reason string) domain.VerificationResult {
	return domain.VerificationResult{Status: status, Allowed: false, Actor: actor, Err: reason}
}

// VerifySignature runs the verification pipeline for a signed request.
// recomputedHash must be computed locally from the received body; the
// claimed RequestHash only serves as early tamper evidence. The result
// is a value, never an error: soft and hybrid callers proceed on
// failures, and the trust gate decides admission.
func VerifySignature(req SignedRequest, recomputedHash string, lookup EntityLookup, now time.Time, tolerance time.Duration) domain.VerificationResult {
	if req.Signature == "" {
		return failure(domain.VerifyNotSigned, req.Actor, "request carries no signature")
	}
	if !isHexDigest(recomputedHash) {
		return failure(domain.VerifyInvalid, req.Actor, "request hash must be 64 hex characters")
	}
	if req.RequestHash != "" && !strings.EqualFold(req.RequestHash, recomputedHash) {
		return failure(domain.VerifyInvalid, req.Actor, "claimed request hash does not match body")
	}

	entity, found, err := lookup(req.Actor)
	if err != nil {
		return failure(domain.VerifyInvalid, req.Actor, "entity lookup failed: "+err.Error())
	}
	if !found {
		return failure(domain.VerifyActorNotFound, req.Actor, "no entity record for actor")
	}
	detail, ok := entity.Detail.(domain.EntityDetail)
	if !ok || detail.PublicKey == "" {
		return failure(domain.VerifyNoPublicKey, req.Actor, "entity has no public key")
	}
	pub, err := ParsePublicKey(detail.PublicKey)
	if err != nil {
		return failure(domain.VerifyInvalid, req.Actor, err.Error())
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return failure(domain.VerifyInvalid, req.Actor, "signature is not a valid base64 Ed25519 signature")
	}
	// Recompute the signable string from the claimed fields and the
	// locally computed hash.
	signable := SignableString(req.Actor, req.SignedAt, recomputedHash)
	if !ed25519.Verify(pub, []byte(signable), sig) {
		return failure(domain.VerifyInvalid, req.Actor, "signature does not match")
	}

	signedAt, err := time.Parse(time.RFC3339, req.SignedAt)
	if err != nil {
		return failure(domain.VerifyInvalid, req.Actor, "signed_at is not a valid RFC3339 timestamp")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if tolerance > ToleranceCeiling {
		tolerance = ToleranceCeiling
	}
	age := now.Sub(signedAt)
	skew := age
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return failure(domain.VerifyExpired, req.Actor, fmt.Sprintf("signature timestamp outside %s tolerance", tolerance))
	}

	return domain.VerificationResult{
		Status:  domain.VerifyValid,
		Allowed: true,
		Actor:   req.Actor,
		Details: map[string]string{
			"signature_age": age.String(),
			"entity_id":     entity.ID,
		},
	}
}
