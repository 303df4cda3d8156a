// Package passport verifies bearer tokens against a trust configuration (the
// "passport"): acceptable issuer, audiences, algorithms, and either inline
// JWKS keys or a remote key set fetched from the issuer and cached.
package passport

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Sentinel errors for passport loading.
var (
	ErrNoAudience    = errors.New("passport must list at least one audience")
	ErrNoAlgorithms  = errors.New("passport must list at least one algorithm")
	ErrNoKeySource   = errors.New("passport must provide inline keys or an issuer URL")
	ErrBadAlgorithms = errors.New("passport lists an unsupported algorithm")
)

// supportedAlgorithms is the fixed allow-list of signature algorithms the
// verifier will ever accept, regardless of passport contents.
var supportedAlgorithms = map[string]struct{}{
	"RS256": {}, "RS384": {}, "RS512": {},
	"ES256": {}, "ES384": {}, "ES512": {},
}

// SupportedAlgorithm reports whether alg is in the verifier's allow-list.
func SupportedAlgorithm(alg string) bool {
	_, ok := supportedAlgorithms[alg]
	return ok
}

// Passport bundles the trust configuration a token is verified against. Keys
// holds an inline JWKS document; when absent, the key set is fetched from the
// issuer URL and cached per issuer.
type Passport struct {
	Issuer           string          `json:"iss,omitempty"`
	Audience         []string        `json:"aud"`
	Algorithms       []string        `json:"algorithms"`
	Keys             json.RawMessage `json:"keys,omitempty"`
	IgnoreExpiration bool            `json:"ignoreExpiration,omitempty"`
	IgnoreNotBefore  bool            `json:"ignoreNotBefore,omitempty"`
}

// Load reads and validates a passport JSON file.
func Load(path string) (*Passport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read passport: %w", err)
	}

	var p Passport
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse passport: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the passport's structural requirements.
func (p *Passport) Validate() error {
	var errs []error

	if len(p.Audience) == 0 {
		errs = append(errs, ErrNoAudience)
	}
	if len(p.Algorithms) == 0 {
		errs = append(errs, ErrNoAlgorithms)
	}
	for _, alg := range p.Algorithms {
		if !SupportedAlgorithm(alg) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrBadAlgorithms, alg))
			break
		}
	}
	if len(p.Keys) == 0 && p.Issuer == "" {
		errs = append(errs, ErrNoKeySource)
	}

	return errors.Join(errs...)
}

// allowsAlgorithm reports whether the passport's own allow-list contains alg.
func (p *Passport) allowsAlgorithm(alg string) bool {
	for _, a := range p.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}
