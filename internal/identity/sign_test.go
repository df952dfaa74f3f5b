package identity

import (
	"testing"
	"time"

	"loom/internal/domain"
)

func testEntityLookup(entities map[string]domain.Element) EntityLookup {
	return func(actor string) (domain.Element, bool, error) {
		el, ok := entities[actor]
		return el, ok, nil
	}
}

func signedEntity(t *testing.T, actor string) (domain.Element, string) {
	t.Helper()
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return domain.Element{
		ID:     "entity-1",
		Kind:   domain.KindEntity,
		Title:  actor,
		Detail: domain.EntityDetail{PublicKey: pub},
	}, priv
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	entity, privB64 := signedEntity(t, "alice")
	priv, err := ParsePrivateKey(privB64)
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"title":"ship it"}`)

	req, err := Sign("alice", body, priv, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	lookup := testEntityLookup(map[string]domain.Element{"alice": entity})
	res := VerifySignature(req, HashBody(body), lookup, now.Add(time.Minute), DefaultTolerance)
	if res.Status != domain.VerifyValid {
		t.Fatalf("expected valid, got %s (%s)", res.Status, res.Err)
	}
	if !res.Allowed {
		t.Fatal("valid result should be allowed")
	}
	if res.Details["entity_id"] != "entity-1" {
		t.Fatalf("expected entity_id detail, got %v", res.Details)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	entity, privB64 := signedEntity(t, "alice")
	priv, _ := ParsePrivateKey(privB64)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"title":"original"}`)

	req, err := Sign("alice", body, priv, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	lookup := testEntityLookup(map[string]domain.Element{"alice": entity})

	// Flip one byte of the body: the recomputed hash changes and the
	// claimed hash no longer matches it.
	tampered := append([]byte(nil), body...)
	tampered[10] ^= 0x01
	res := VerifySignature(req, HashBody(tampered), lookup, now, DefaultTolerance)
	if res.Status != domain.VerifyInvalid {
		t.Fatalf("expected invalid, got %s", res.Status)
	}

	// Drop the claimed hash so the signature itself must catch it.
	req.RequestHash = ""
	res = VerifySignature(req, HashBody(tampered), lookup, now, DefaultTolerance)
	if res.Status != domain.VerifyInvalid {
		t.Fatalf("expected invalid on signature mismatch, got %s", res.Status)
	}
}

func TestVerifyToleranceBoundary(t *testing.T) {
	entity, privB64 := signedEntity(t, "alice")
	priv, _ := ParsePrivateKey(privB64)
	signedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{}`)
	req, _ := Sign("alice", body, priv, signedAt)
	lookup := testEntityLookup(map[string]domain.Element{"alice": entity})
	hash := HashBody(body)

	cases := []struct {
		name string
		now  time.Time
		want domain.VerificationStatus
	}{
		{"exactly at tolerance", signedAt.Add(5 * time.Minute), domain.VerifyValid},
		{"just past tolerance", signedAt.Add(5*time.Minute + time.Second), domain.VerifyExpired},
		{"future within tolerance", signedAt.Add(-4 * time.Minute), domain.VerifyValid},
		{"future past tolerance", signedAt.Add(-6 * time.Minute), domain.VerifyExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := VerifySignature(req, hash, lookup, tc.now, 5*time.Minute)
			if res.Status != tc.want {
				t.Fatalf("expected %s, got %s (%s)", tc.want, res.Status, res.Err)
			}
		})
	}
}

func TestVerifyPipelineShortCircuits(t *testing.T) {
	entity, privB64 := signedEntity(t, "alice")
	priv, _ := ParsePrivateKey(privB64)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{}`)
	req, _ := Sign("alice", body, priv, now)
	hash := HashBody(body)

	t.Run("not signed", func(t *testing.T) {
		unsigned := req
		unsigned.Signature = ""
		res := VerifySignature(unsigned, hash, testEntityLookup(nil), now, DefaultTolerance)
		if res.Status != domain.VerifyNotSigned {
			t.Fatalf("expected not_signed, got %s", res.Status)
		}
	})

	t.Run("malformed hash", func(t *testing.T) {
		res := VerifySignature(req, "nothex", testEntityLookup(nil), now, DefaultTolerance)
		if res.Status != domain.VerifyInvalid {
			t.Fatalf("expected invalid, got %s", res.Status)
		}
	})

	t.Run("unknown actor", func(t *testing.T) {
		res := VerifySignature(req, hash, testEntityLookup(nil), now, DefaultTolerance)
		if res.Status != domain.VerifyActorNotFound {
			t.Fatalf("expected actor_not_found, got %s", res.Status)
		}
	})

	t.Run("no public key", func(t *testing.T) {
		bare := entity
		bare.Detail = domain.EntityDetail{}
		res := VerifySignature(req, hash, testEntityLookup(map[string]domain.Element{"alice": bare}), now, DefaultTolerance)
		if res.Status != domain.VerifyNoPublicKey {
			t.Fatalf("expected no_public_key, got %s", res.Status)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		other, _ := signedEntity(t, "alice")
		res := VerifySignature(req, hash, testEntityLookup(map[string]domain.Element{"alice": other}), now, DefaultTolerance)
		if res.Status != domain.VerifyInvalid {
			t.Fatalf("expected invalid, got %s", res.Status)
		}
	})
}

func TestSignRejectsPipeInActor(t *testing.T) {
	_, privB64 := signedEntity(t, "a")
	priv, _ := ParsePrivateKey(privB64)
	if _, err := Sign("al|ice", []byte(`{}`), priv, time.Now()); err == nil {
		t.Fatal("expected pipe in actor to be rejected")
	}
	if _, err := Sign("  ", []byte(`{}`), priv, time.Now()); err == nil {
		t.Fatal("expected blank actor to be rejected")
	}
}

func TestParseKeyMaterial(t *testing.T) {
	if _, err := ParsePublicKey("not-base64!!"); err == nil {
		t.Fatal("expected base64 error")
	}
	if _, err := ParsePublicKey("aGVsbG8="); err == nil {
		t.Fatal("expected size error for short key")
	}
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParsePublicKey(pub); err != nil {
		t.Fatalf("parse public: %v", err)
	}
	if _, err := ParsePrivateKey(priv); err != nil {
		t.Fatalf("parse private: %v", err)
	}
}
