// internal/pkg/jwt/loader.go
package jwt

import "fmt"

type Config struct {
	PubPath  string
	Issuer   string
	Audience string
}

// LoadVerifier reads the identity service's public key. Billing never signs
// tokens.
func LoadVerifier(cfg Config) (*Verifier, error) {
	pub, err := LoadRSAPublicKeyFromPEM(cfg.PubPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load public key from %s: %w", cfg.PubPath, err)
	}
	return NewVerifier(pub, cfg.Issuer, cfg.Audience), nil
}
