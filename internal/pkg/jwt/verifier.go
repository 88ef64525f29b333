// internal/pkg/jwt/verifier.go
package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Leeway tolerated on exp/nbf between the identity service and billing.
const Leeway = 30 * time.Second

// Verifier checks RS-signed access tokens for one issuer and audience.
type Verifier struct {
	pub    *rsa.PublicKey
	parser *jwt.Parser
}

func NewVerifier(pub *rsa.PublicKey, issuer, audience string) *Verifier {
	return &Verifier{
		pub: pub,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(Leeway),
		),
	}
}

// Verify parses tokenString and validates signature, issuer, audience and
// expiry.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if v.pub == nil {
		return nil, errors.New("jwt verifier has nil public key")
	}

	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.pub, nil
	}); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// VerifyAccessToken additionally requires a non temporary access token that
// names a billing user.
func (v *Verifier) VerifyAccessToken(tokenString string) (*Claims, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	switch {
	case claims.SessionPurpose != PurposeAccess:
		return nil, fmt.Errorf("token purpose %q is not %q", claims.SessionPurpose, PurposeAccess)
	case claims.IsTemp:
		return nil, errors.New("temporary tokens cannot call billing")
	case claims.IdentityID <= 0:
		return nil, errors.New("token carries no user id")
	}
	return claims, nil
}
