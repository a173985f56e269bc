package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"i4.energy/across/modemfleet/internal/config"
)

// ErrInvalidToken covers every way a token fails to verify: bad
// signature, expired, wrong issuer/audience, or malformed claims.
var ErrInvalidToken = errors.New("auth: invalid token")

// header is the fixed HS256 JWT header this stand-in always emits.
var header = base64URLEncode([]byte(`{"alg":"HS256","typ":"JWT"}`))

// claims is the JWT payload issued to an authenticated user. This is a
// minimal in-repo stand-in for a real JWT library: the core driver
// (modemdriver/hub/store) doesn't need a production-grade token service,
// just something that exercises internal/config's JWTConfig end to end.
type claims struct {
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	Issuer   string `json:"iss"`
	Audience string `json:"aud"`
	IssuedAt int64  `json:"iat"`
	ExpireAt int64  `json:"exp"`
}

// Issuer signs and verifies access tokens per the server's JWT config.
type Issuer struct {
	cfg config.JWTConfig
}

// NewIssuer builds an Issuer from the server's loaded JWT configuration.
func NewIssuer(cfg config.JWTConfig) *Issuer {
	return &Issuer{cfg: cfg}
}

// IssueAccessToken mints a signed token for userID/role, expiring per
// cfg.ExpireMinutes.
func (i *Issuer) IssueAccessToken(userID, role string) (string, error) {
	now := time.Now().UTC()
	c := claims{
		UserID:   userID,
		Role:     role,
		Issuer:   i.cfg.Issuer,
		Audience: i.cfg.Audience,
		IssuedAt: now.Unix(),
		ExpireAt: now.Add(i.cfg.ExpireDuration()).Unix(),
	}
	body, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	payload := base64URLEncode(body)
	signingInput := header + "." + payload
	return signingInput + "." + i.sign(signingInput), nil
}

// VerifyAccessToken parses and validates tokenString, returning the
// embedded userID and role.
func (i *Issuer) VerifyAccessToken(tokenString string) (userID, role string, err error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return "", "", ErrInvalidToken
	}
	signingInput := parts[0] + "." + parts[1]
	expected := i.sign(signingInput)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(parts[2])) != 1 {
		return "", "", ErrInvalidToken
	}

	body, err := base64URLDecode(parts[1])
	if err != nil {
		return "", "", ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(body, &c); err != nil {
		return "", "", ErrInvalidToken
	}
	if c.Issuer != i.cfg.Issuer || c.Audience != i.cfg.Audience {
		return "", "", ErrInvalidToken
	}
	if time.Now().UTC().Unix() > c.ExpireAt {
		return "", "", ErrInvalidToken
	}
	return c.UserID, c.Role, nil
}

// RefreshDuration returns how long a freshly-issued refresh token is
// valid for, per the issuer's configured RefreshTokenDays.
func (i *Issuer) RefreshDuration() time.Duration {
	return i.cfg.RefreshDuration()
}

func (i *Issuer) sign(signingInput string) string {
	mac := hmac.New(sha256.New, []byte(i.cfg.Key))
	mac.Write([]byte(signingInput))
	return base64URLEncode(mac.Sum(nil))
}

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// NewRefreshToken generates an opaque, random refresh token; the caller
// is responsible for storing its hash (store.Store.PutRefreshToken),
// keyed by HashRefreshToken, with a TTL of cfg.RefreshTokenDays.
func NewRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashRefreshToken derives the at-rest lookup key for a refresh token.
// Refresh tokens are already high-entropy random values, so a plain
// SHA-256 digest (no salt) is sufficient to avoid storing the bearer
// token itself.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// passwordSaltLen is the number of random bytes used per password salt.
const passwordSaltLen = 16

// HashPassword is a minimal in-repo stand-in for bcrypt: a random salt
// plus a single SHA-256 pass over salt||password. It exists only to give
// internal/store's User.PasswordHash/PasswordSalt fields something to
// exercise; production deployments should swap this for a real password
// hashing library (bcrypt/scrypt/argon2), an explicit non-goal here.
func HashPassword(password string) (hash, salt string, err error) {
	saltBytes := make([]byte, passwordSaltLen)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", err
	}
	salt = hex.EncodeToString(saltBytes)
	return hashWithSalt(password, salt), salt, nil
}

// VerifyPassword reports whether password matches the stored hash/salt
// pair.
func VerifyPassword(password, hash, salt string) bool {
	return subtle.ConstantTimeCompare([]byte(hashWithSalt(password, salt)), []byte(hash)) == 1
}

func hashWithSalt(password, salt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", salt, password)))
	return hex.EncodeToString(sum[:])
}
