package security

import (
	"net/http"
	"strings"
	"time"

	"PPChat/global/config"
	"PPChat/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Options 签名参数
type Options struct {
	Secret []byte
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 默认 2h
}

func NewOptions(cfg config.AuthConfig) Options {
	return Options{Secret: []byte(cfg.JWTSecret), Alg: cfg.Alg, TTL: 2 * time.Hour}
}

// Generate signs a token whose sub claim is userID.
func Generate(opts Options, userID string) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)
	claims := jwtlib.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(exp),
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

// Verify 校验 token，返回 sub（用户 ID）
func Verify(opts Options, token string) (string, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errs.ErrUnauthorized.WithDetail("missing token")
	}
	var claims jwtlib.RegisteredClaims
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}, jwtlib.WithValidMethods([]string{method.Alg()}))
	switch {
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return "", errs.ErrTokenExpired.Wrap()
	case err != nil:
		return "", errs.ErrTokenInvalid.WrapMsg(err.Error())
	case !parsed.Valid:
		return "", errs.ErrTokenInvalid.Wrap()
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errs.ErrTokenInvalid.WrapMsg("empty sub")
	}
	return claims.Subject, nil
}

// ExtractToken reads "Authorization: Bearer <t>", falling back to the token
// query parameter used by websocket clients.
func ExtractToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			return strings.TrimSpace(authz[7:])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, errors.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
