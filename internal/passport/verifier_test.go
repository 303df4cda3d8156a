package passport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog"
)

const testIssuer = "https://id.example.com"

// newSigningKey generates an RSA key pair and the inline JWKS document holding
// its public half under the given kid.
func newSigningKey(t *testing.T, kid string) (*rsa.PrivateKey, json.RawMessage) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pub, err := jwk.Import(key.Public())
	if err != nil {
		t.Fatalf("import public key: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("set kid: %v", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal key set: %v", err)
	}
	return key, raw
}

func newTestPassport(keys json.RawMessage) *Passport {
	return &Passport{
		Issuer:     testIssuer,
		Audience:   []string{"courier"},
		Algorithms: []string{"RS256"},
		Keys:       keys,
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testIssuer,
		"aud": "courier",
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifyValidToken(t *testing.T) {
	t.Parallel()
	key, keys := newSigningKey(t, "k1")
	v := NewVerifier(zerolog.Nop())

	token := signToken(t, key, "k1", baseClaims())
	res := v.Verify(context.Background(), token, newTestPassport(keys))
	if !res.Valid {
		t.Fatalf("Verify() = %+v, want valid", res)
	}
	if res.Claims["sub"] != "alice" {
		t.Errorf("sub claim = %v, want alice", res.Claims["sub"])
	}
	if res.Header["alg"] != "RS256" {
		t.Errorf("alg header = %v, want RS256", res.Header["alg"])
	}
}

func TestVerifyMissingKidSingleKeySet(t *testing.T) {
	t.Parallel()
	key, keys := newSigningKey(t, "k1")
	v := NewVerifier(zerolog.Nop())

	// No kid in the header; the single-key set still resolves.
	token := signToken(t, key, "", baseClaims())
	res := v.Verify(context.Background(), token, newTestPassport(keys))
	if !res.Valid {
		t.Errorf("Verify() = %+v, want valid via single-key fallback", res)
	}
}

func TestVerifyFailures(t *testing.T) {
	t.Parallel()
	key, keys := newSigningKey(t, "k1")
	otherKey, _ := newSigningKey(t, "k1")
	v := NewVerifier(zerolog.Nop())
	ctx := context.Background()

	expired := baseClaims()
	expired["exp"] = time.Now().Add(-2 * clockSkew).Unix()

	notYet := baseClaims()
	notYet["nbf"] = time.Now().Add(time.Hour).Unix()

	wrongIssuer := baseClaims()
	wrongIssuer["iss"] = "https://rogue.example.com"

	wrongAudience := baseClaims()
	wrongAudience["aud"] = "other-app"

	tests := []struct {
		name     string
		token    string
		passport *Passport
		want     Reason
	}{
		{
			name:     "nil passport",
			token:    signToken(t, key, "k1", baseClaims()),
			passport: nil,
			want:     ReasonInvalidPassport,
		},
		{
			name:     "malformed token",
			token:    "not.a-jwt",
			passport: newTestPassport(keys),
			want:     ReasonMalformedToken,
		},
		{
			name:     "garbage segments",
			token:    "a.b.c",
			passport: newTestPassport(keys),
			want:     ReasonMalformedToken,
		},
		{
			name:     "issuer mismatch",
			token:    signToken(t, key, "k1", wrongIssuer),
			passport: newTestPassport(keys),
			want:     ReasonIssuerMismatch,
		},
		{
			name:     "unknown kid",
			token:    signToken(t, key, "k2", baseClaims()),
			passport: newTestPassport(keys),
			want:     ReasonKeyNotFound,
		},
		{
			name:     "signature from wrong key",
			token:    signToken(t, otherKey, "k1", baseClaims()),
			passport: newTestPassport(keys),
			want:     ReasonSignatureInvalid,
		},
		{
			name:  "algorithm not in passport allow-list",
			token: signToken(t, key, "k1", baseClaims()),
			passport: &Passport{
				Issuer:     testIssuer,
				Audience:   []string{"courier"},
				Algorithms: []string{"RS384"},
				Keys:       keys,
			},
			want: ReasonAlgorithmNotAllowed,
		},
		{
			name:     "expired",
			token:    signToken(t, key, "k1", expired),
			passport: newTestPassport(keys),
			want:     ReasonTokenExpired,
		},
		{
			name:     "not yet valid",
			token:    signToken(t, key, "k1", notYet),
			passport: newTestPassport(keys),
			want:     ReasonTokenNotYetValid,
		},
		{
			name:     "audience mismatch",
			token:    signToken(t, key, "k1", wrongAudience),
			passport: newTestPassport(keys),
			want:     ReasonAudienceMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := v.Verify(ctx, tt.token, tt.passport)
			if res.Valid {
				t.Fatalf("Verify() = valid, want failure %s", tt.want)
			}
			if res.Reason != tt.want {
				t.Errorf("Verify() reason = %s (%s), want %s", res.Reason, res.Details, tt.want)
			}
		})
	}
}

func TestVerifyIgnoreExpiration(t *testing.T) {
	t.Parallel()
	key, keys := newSigningKey(t, "k1")
	v := NewVerifier(zerolog.Nop())

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	token := signToken(t, key, "k1", claims)

	p := newTestPassport(keys)
	p.IgnoreExpiration = true
	res := v.Verify(context.Background(), token, p)
	if !res.Valid {
		t.Errorf("Verify() = %+v, want valid with expiry ignored", res)
	}
}

func TestVerifyExpiryWithinSkew(t *testing.T) {
	t.Parallel()
	key, keys := newSigningKey(t, "k1")
	v := NewVerifier(zerolog.Nop())

	// Expired 10s ago but inside the 60s grace window.
	claims := baseClaims()
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
	token := signToken(t, key, "k1", claims)

	res := v.Verify(context.Background(), token, newTestPassport(keys))
	if !res.Valid {
		t.Errorf("Verify() = %+v, want valid within clock skew", res)
	}
}

func TestVerifyAudienceArray(t *testing.T) {
	t.Parallel()
	key, keys := newSigningKey(t, "k1")
	v := NewVerifier(zerolog.Nop())

	claims := baseClaims()
	claims["aud"] = []string{"other-app", "courier"}
	token := signToken(t, key, "k1", claims)

	res := v.Verify(context.Background(), token, newTestPassport(keys))
	if !res.Valid {
		t.Errorf("Verify() = %+v, want valid on audience intersection", res)
	}
}

func TestClearCache(t *testing.T) {
	t.Parallel()
	v := NewVerifier(zerolog.Nop())

	if got := v.CachedIssuers(); len(got) != 0 {
		t.Errorf("CachedIssuers() = %v, want empty", got)
	}
	v.ClearCache()
	if got := v.CachedIssuers(); len(got) != 0 {
		t.Errorf("CachedIssuers() after clear = %v, want empty", got)
	}
}
