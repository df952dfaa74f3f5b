package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"loom/internal/domain"
	"loom/internal/engine"
	"loom/internal/identity"
	"loom/internal/repo"
)

// Signed-request headers. The signature covers actor|signed_at|body-hash
// where the hash is recomputed server-side from the received body.
const (
	headerSignature      = "X-Signature"
	headerSignedAt       = "X-Signed-At"
	headerSignatureActor = "X-Signature-Actor"
	headerRequestHash    = "X-Request-Hash"
	headerAPIKey         = "X-Api-Key"
	headerLegacyActor    = "X-Actor-Id"
)

type AuthConfig struct {
	JWTSecret string
	TrustMode domain.TrustMode
	Tolerance time.Duration
	Logger    *log.Logger
}

// Principal is the authenticated caller attached to the request context.
// Verification carries the signature outcome even when advisory.
type Principal struct {
	Actor        string
	Source       string
	Verification domain.VerificationResult
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) trustMode() domain.TrustMode {
	if c.TrustMode.Valid() {
		return c.TrustMode
	}
	return domain.TrustSoft
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorFromContext(ctx context.Context) (domain.ActorContext, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.Actor == "" {
		return domain.ActorContext{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return domain.ActorContext{
		Actor:    p.Actor,
		Source:   domain.SourceExplicit,
		Verified: p.Verification.Status == domain.VerifyValid,
	}, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Actor: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.Actor == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{Actor: apiKey.Actor, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware authenticates requests and applies the trust-mode
// gate. Every request gets a verification result: signed requests go
// through the full pipeline, everything else is not_signed. The gate is
// total over mode and status, so there is no unhandled combination.
// Entity lookups run under the request context so they stop with it.
func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			principal, authErr := authenticate(req, cfg, e.Repo)
			if authErr != nil {
				respondStatusError(w, authErr)
				return
			}

			principal.Verification = verifyRequest(req, e.EntityLookup(req.Context()), cfg.Tolerance)
			if !identity.ShouldAllowRequest(cfg.trustMode(), principal.Verification) {
				respondStatusError(w, newAPIError(http.StatusForbidden, "signature_rejected",
					"request not admissible under trust mode "+string(cfg.trustMode()),
					map[string]any{"status": string(principal.Verification.Status), "error": principal.Verification.Err}))
				return
			}
			// A valid signature is authoritative for the actor name.
			if principal.Verification.Status == domain.VerifyValid {
				principal.Actor = principal.Verification.Actor
				principal.Source = "signature"
			}
			if principal.Actor == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}

			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func authenticate(req *http.Request, cfg AuthConfig, r repo.Repo) (Principal, huma.StatusError) {
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	apiKeyHeader := strings.TrimSpace(req.Header.Get(headerAPIKey))
	legacyActor := strings.TrimSpace(req.Header.Get(headerLegacyActor))
	signatureActor := strings.TrimSpace(req.Header.Get(headerSignatureActor))

	switch {
	case authz != "":
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		principal, err := authenticateJWT(token, cfg.JWTSecret)
		if err != nil {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		return principal, nil
	case apiKeyHeader != "":
		principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
		if err != nil {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		return principal, nil
	case signatureActor != "":
		// The actor claim is confirmed (or demoted) by verifyRequest.
		return Principal{Actor: signatureActor, Source: "signature"}, nil
	case legacyActor != "":
		if cfg.trustMode() != domain.TrustSoft {
			return Principal{}, newAPIError(http.StatusUnauthorized, "invalid_credentials",
				"X-Actor-Id is only accepted in soft trust mode", nil)
		}
		cfg.logger().Printf("WARNING: using legacy X-Actor-Id header without auth; deprecated (actor=%s)", legacyActor)
		return Principal{Actor: legacyActor, Source: "legacy_header"}, nil
	}
	if cfg.trustMode() == domain.TrustSoft {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	// In cryptographic and hybrid modes the verification gate decides.
	return Principal{}, nil
}

// verifyRequest runs the signature pipeline against the buffered body.
// Requests without signature headers come back not_signed.
func verifyRequest(req *http.Request, lookup identity.EntityLookup, tolerance time.Duration) domain.VerificationResult {
	signed := identity.SignedRequest{
		Actor:       strings.TrimSpace(req.Header.Get(headerSignatureActor)),
		SignedAt:    strings.TrimSpace(req.Header.Get(headerSignedAt)),
		RequestHash: strings.TrimSpace(req.Header.Get(headerRequestHash)),
		Signature:   strings.TrimSpace(req.Header.Get(headerSignature)),
	}
	if signed.Signature == "" {
		return domain.VerificationResult{Status: domain.VerifyNotSigned, Actor: signed.Actor}
	}
	recomputed := identity.HashBody(bodyBytes(req.Context()))
	return identity.VerifySignature(signed, recomputed, lookup, time.Now(), tolerance)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
