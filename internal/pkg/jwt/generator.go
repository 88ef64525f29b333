// internal/pkg/jwt/generator.go
package jwt

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Generator signs access tokens with the same claims the identity service
// issues. Billing uses it for local tooling and tests only.
type Generator struct {
	priv     *rsa.PrivateKey
	issuer   string
	audience string
	Ttl      time.Duration
}

func NewGenerator(priv *rsa.PrivateKey, issuer, audience string, ttl time.Duration) *Generator {
	return &Generator{
		priv:     priv,
		issuer:   issuer,
		audience: audience,
		Ttl:      ttl,
	}
}

// GenerateAccessToken signs an access token for userID.
func (g *Generator) GenerateAccessToken(userID int64, roles []string) (string, error) {
	if g.priv == nil {
		return "", fmt.Errorf("jwt generator has nil private key")
	}

	now := time.Now()
	claims := &Claims{
		IdentityID:     userID,
		Roles:          roles,
		SessionPurpose: PurposeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   fmt.Sprintf("%d", userID),
			Audience:  []string{g.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(g.Ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        ulid.Make().String(),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.priv)
}
