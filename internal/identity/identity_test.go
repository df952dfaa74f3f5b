package identity

import (
	"errors"
	"testing"

	"loom/internal/domain"
)

func TestResolveActorPrecedence(t *testing.T) {
	cases := []struct {
		name       string
		opts       ResolveOptions
		wantActor  string
		wantSource domain.ActorSource
	}{
		{
			name:       "explicit wins",
			opts:       ResolveOptions{Explicit: "a", CLIFlag: "b", ConfigDefault: "c", RelatedCreatedBy: "d"},
			wantActor:  "a",
			wantSource: domain.SourceExplicit,
		},
		{
			name:       "flag beats config",
			opts:       ResolveOptions{CLIFlag: "b", ConfigDefault: "c"},
			wantActor:  "b",
			wantSource: domain.SourceCLIFlag,
		},
		{
			name:       "config beats element",
			opts:       ResolveOptions{ConfigDefault: "c", RelatedCreatedBy: "d"},
			wantActor:  "c",
			wantSource: domain.SourceConfig,
		},
		{
			name:       "element as last resort",
			opts:       ResolveOptions{RelatedCreatedBy: "d"},
			wantActor:  "d",
			wantSource: domain.SourceElement,
		},
		{
			name:       "whitespace is skipped",
			opts:       ResolveOptions{Explicit: "   ", CLIFlag: " b "},
			wantActor:  "b",
			wantSource: domain.SourceCLIFlag,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actor, err := ResolveActor(tc.opts)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if actor.Actor != tc.wantActor || actor.Source != tc.wantSource {
				t.Fatalf("got %q from %s, want %q from %s", actor.Actor, actor.Source, tc.wantActor, tc.wantSource)
			}
		})
	}
}

func TestResolveActorNoCandidate(t *testing.T) {
	if _, err := ResolveActor(ResolveOptions{}); !errors.Is(err, ErrNoActor) {
		t.Fatalf("expected ErrNoActor, got %v", err)
	}
}

// Every mode/status pair has a defined answer.
func TestShouldAllowRequestTotality(t *testing.T) {
	statuses := []domain.VerificationStatus{
		domain.VerifyValid,
		domain.VerifyInvalid,
		domain.VerifyExpired,
		domain.VerifyActorNotFound,
		domain.VerifyNoPublicKey,
		domain.VerifyNotSigned,
	}
	want := map[domain.TrustMode]map[domain.VerificationStatus]bool{
		domain.TrustSoft: {
			domain.VerifyValid: true, domain.VerifyInvalid: true, domain.VerifyExpired: true,
			domain.VerifyActorNotFound: true, domain.VerifyNoPublicKey: true, domain.VerifyNotSigned: true,
		},
		domain.TrustCryptographic: {
			domain.VerifyValid: true, domain.VerifyInvalid: false, domain.VerifyExpired: false,
			domain.VerifyActorNotFound: false, domain.VerifyNoPublicKey: false, domain.VerifyNotSigned: false,
		},
		domain.TrustHybrid: {
			domain.VerifyValid: true, domain.VerifyInvalid: false, domain.VerifyExpired: false,
			domain.VerifyActorNotFound: false, domain.VerifyNoPublicKey: false, domain.VerifyNotSigned: true,
		},
	}
	for mode, expectations := range want {
		for _, status := range statuses {
			got := ShouldAllowRequest(mode, domain.VerificationResult{Status: status})
			if got != expectations[status] {
				t.Errorf("mode=%s status=%s: got %v, want %v", mode, status, got, expectations[status])
			}
		}
	}
	if ShouldAllowRequest(domain.TrustMode("bogus"), domain.VerificationResult{Status: domain.VerifyValid}) {
		t.Error("unknown mode must deny")
	}
}

func TestValidateSoftActor(t *testing.T) {
	if err := ValidateSoftActor("alice"); err != nil {
		t.Fatalf("valid actor rejected: %v", err)
	}
	for _, bad := range []string{"", "   ", "\t"} {
		if err := ValidateSoftActor(bad); err == nil {
			t.Fatalf("expected rejection of %q", bad)
		}
	}
}

func TestRequireRegistered(t *testing.T) {
	lookup := testEntityLookup(map[string]domain.Element{
		"alice": {ID: "entity-1", Kind: domain.KindEntity, Title: "alice"},
	})
	if err := RequireRegistered("alice", lookup); err != nil {
		t.Fatalf("registered actor rejected: %v", err)
	}
	if err := RequireRegistered("mallory", lookup); err == nil {
		t.Fatal("unregistered actor accepted")
	}
}
