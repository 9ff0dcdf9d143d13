package identity

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthExpiry returns the latest exp claim among the JWT cookies the state
// carries. Tokens are read without verifying their signature; ok is false
// when no cookie holds a token with an expiry.
func (s SessionState) AuthExpiry() (expiry time.Time, ok bool) {
	parser := jwt.NewParser()
	for _, cookies := range s.Cookies {
		for _, c := range cookies {
			if strings.Count(c.Value, ".") != 2 {
				continue
			}
			claims := jwt.MapClaims{}
			if _, _, err := parser.ParseUnverified(c.Value, claims); err != nil {
				continue
			}
			exp, err := claims.GetExpirationTime()
			if err != nil || exp == nil {
				continue
			}
			if !ok || exp.After(expiry) {
				expiry, ok = exp.Time, true
			}
		}
	}
	return expiry, ok
}
