package passport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog"
)

// clockSkew is the grace applied to the expiration check when expiry is
// honored.
const clockSkew = 60 * time.Second

// Reason classifies a verification failure. Structural problems and
// cryptographic problems are kept distinct.
type Reason string

const (
	ReasonInvalidPassport     Reason = "invalid_passport"
	ReasonMalformedToken      Reason = "malformed_token"
	ReasonIssuerMismatch      Reason = "issuer_mismatch"
	ReasonMissingAlgorithm    Reason = "missing_algorithm"
	ReasonUnsupportedAlg      Reason = "unsupported_algorithm"
	ReasonKeyNotFound         Reason = "key_not_found"
	ReasonSignatureInvalid    Reason = "signature_invalid"
	ReasonAlgorithmNotAllowed Reason = "algorithm_not_allowed"
	ReasonTokenExpired        Reason = "token_expired"
	ReasonTokenNotYetValid    Reason = "token_not_yet_valid"
	ReasonAudienceMismatch    Reason = "audience_mismatch"
)

// Result is the outcome of a verification. When Valid is true, Header and
// Claims hold the decoded token parts; otherwise Reason and Details describe
// the failure.
type Result struct {
	Valid   bool           `json:"valid"`
	Header  map[string]any `json:"header,omitempty"`
	Claims  map[string]any `json:"payload,omitempty"`
	Reason  Reason         `json:"reason,omitempty"`
	Details string         `json:"details,omitempty"`
}

func failure(reason Reason, details string) Result {
	return Result{Reason: reason, Details: details}
}

// Verifier validates bearer tokens against a passport. Remote JWKS clients
// are cached per issuer; the cache is the only shared-mutable state and is
// guarded by a mutex.
type Verifier struct {
	mu      sync.Mutex
	clients map[string]*jwk.Cache
	log     zerolog.Logger
}

// NewVerifier creates a token verifier with an empty JWKS client cache.
func NewVerifier(logger zerolog.Logger) *Verifier {
	return &Verifier{
		clients: make(map[string]*jwk.Cache),
		log:     logger.With().Str("component", "passport").Logger(),
	}
}

// Verify runs the fixed-order verification pipeline. Any failing step
// short-circuits with a structured failure; Verify never panics or returns an
// error for bad input.
func (v *Verifier) Verify(ctx context.Context, token string, p *Passport) Result {
	if p == nil {
		return failure(ReasonInvalidPassport, "passport is required")
	}
	if err := p.Validate(); err != nil {
		return failure(ReasonInvalidPassport, err.Error())
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return failure(ReasonMalformedToken, "token must have three segments")
	}

	header, err := decodeSegment(parts[0])
	if err != nil {
		return failure(ReasonMalformedToken, fmt.Sprintf("decode header: %v", err))
	}
	claims, err := decodeSegment(parts[1])
	if err != nil {
		return failure(ReasonMalformedToken, fmt.Sprintf("decode payload: %v", err))
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return failure(ReasonMalformedToken, fmt.Sprintf("decode signature: %v", err))
	}

	if p.Issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != p.Issuer {
			return failure(ReasonIssuerMismatch, fmt.Sprintf("token issuer %q does not match passport issuer %q", iss, p.Issuer))
		}
	}

	alg, _ := header["alg"].(string)
	if alg == "" {
		return failure(ReasonMissingAlgorithm, "token header has no alg")
	}
	if !SupportedAlgorithm(alg) {
		return failure(ReasonUnsupportedAlg, fmt.Sprintf("algorithm %q is not supported", alg))
	}

	kid, _ := header["kid"].(string)
	key, err := v.resolveKey(ctx, p, kid)
	if err != nil {
		return failure(ReasonKeyNotFound, err.Error())
	}

	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return failure(ReasonUnsupportedAlg, fmt.Sprintf("algorithm %q is not supported", alg))
	}
	if err := method.Verify(parts[0]+"."+parts[1], signature, key); err != nil {
		return failure(ReasonSignatureInvalid, err.Error())
	}

	if !p.allowsAlgorithm(alg) {
		return failure(ReasonAlgorithmNotAllowed, fmt.Sprintf("algorithm %q is not in the passport allow-list", alg))
	}

	now := time.Now()
	if !p.IgnoreExpiration {
		if exp, ok := numericClaim(claims, "exp"); ok {
			if now.After(time.Unix(exp, 0).Add(clockSkew)) {
				return failure(ReasonTokenExpired, "token has expired")
			}
		}
	}
	if !p.IgnoreNotBefore {
		if nbf, ok := numericClaim(claims, "nbf"); ok {
			if now.Before(time.Unix(nbf, 0)) {
				return failure(ReasonTokenNotYetValid, "token is not yet valid")
			}
		}
	}

	if !audienceIntersects(claims["aud"], p.Audience) {
		return failure(ReasonAudienceMismatch, "token audience does not intersect passport audience")
	}

	return Result{Valid: true, Header: header, Claims: claims}
}

// resolveKey finds the public key for the token: inline JWKS keys take
// precedence; otherwise the issuer's remote key set is consulted through the
// per-issuer client cache.
func (v *Verifier) resolveKey(ctx context.Context, p *Passport, kid string) (any, error) {
	if len(p.Keys) > 0 {
		set, err := jwk.Parse(p.Keys)
		if err != nil {
			return nil, fmt.Errorf("parse inline keys: %w", err)
		}
		return lookupKey(set, kid)
	}

	cache, err := v.clientFor(ctx, p.Issuer)
	if err != nil {
		return nil, err
	}

	set, err := cache.Lookup(ctx, jwksURL(p.Issuer))
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS for issuer %s: %w", p.Issuer, err)
	}
	return lookupKey(set, kid)
}

// clientFor returns the cached JWKS client for the issuer, creating and
// registering it under the mutex on first use. Each issuer gets at most one
// client across concurrent requests.
func (v *Verifier) clientFor(ctx context.Context, issuer string) (*jwk.Cache, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if cache, ok := v.clients[issuer]; ok {
		return cache, nil
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("create JWKS cache: %w", err)
	}

	registerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cache.Register(registerCtx, jwksURL(issuer)); err != nil {
		return nil, fmt.Errorf("register JWKS URL for issuer %s: %w", issuer, err)
	}

	v.clients[issuer] = cache
	v.log.Debug().Str("issuer", issuer).Msg("JWKS client created")
	return cache, nil
}

// ClearCache drops all cached JWKS clients. Subsequent verifications rebuild
// them on demand.
func (v *Verifier) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clients = make(map[string]*jwk.Cache)
}

// CachedIssuers returns the issuers with a live JWKS client.
func (v *Verifier) CachedIssuers() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	issuers := make([]string, 0, len(v.clients))
	for iss := range v.clients {
		issuers = append(issuers, iss)
	}
	return issuers
}

func jwksURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
}

// lookupKey selects a key from the set by kid, tolerating a missing kid only
// when the set holds a single key.
func lookupKey(set jwk.Set, kid string) (any, error) {
	var key jwk.Key
	if kid != "" {
		found, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("key id %q not found in key set", kid)
		}
		key = found
	} else {
		if set.Len() != 1 {
			return nil, fmt.Errorf("token has no kid and key set holds %d keys", set.Len())
		}
		found, ok := set.Key(0)
		if !ok {
			return nil, fmt.Errorf("key set is empty")
		}
		key = found
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export key: %w", err)
	}
	return raw, nil
}

func decodeSegment(segment string) (map[string]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// numericClaim reads a Unix-timestamp claim that JSON decoding surfaces as a
// float64.
func numericClaim(claims map[string]any, name string) (int64, bool) {
	v, ok := claims[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// audienceIntersects reports whether the token's aud claim (string or array)
// shares at least one entry with the passport audience list.
func audienceIntersects(claim any, allowed []string) bool {
	var audiences []string
	switch a := claim.(type) {
	case string:
		audiences = []string{a}
	case []any:
		for _, item := range a {
			if s, ok := item.(string); ok {
				audiences = append(audiences, s)
			}
		}
	default:
		return false
	}

	for _, aud := range audiences {
		for _, want := range allowed {
			if aud == want {
				return true
			}
		}
	}
	return false
}
