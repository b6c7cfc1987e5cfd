package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Identity 是身份源解析出的 (subject, role)。核心不做凭证校验，
// 这里只是把外部签发的 JWT 翻译成请求上下文。
type Identity struct {
	Subject string
	Role    string
}

// RoleAdmin 允许越过下载门禁，越权会被显式标记审计。
const RoleAdmin = "admin"

// IdentityContextKey 是存储在 context 中的 Identity 的键。
type IdentityContextKey struct{}

// JWTAuth 创建 JWT 鉴权中间件。
// 支持 HMAC（本地密钥）与 JWKS（远程公钥，带自动刷新）两种验签方式。
func JWTAuth(jwtSecret, jwksURL string) func(http.Handler) http.Handler {
	var jwks *keyfunc.JWKS

	if jwksURL != "" {
		var err error
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				fmt.Printf("[AuthError] JWKS refresh failed: %v\n", err)
			},
		})
		if err != nil {
			fmt.Printf("[AuthWarning] JWKS init failed (%s): %v. Falling back to HMAC only.\n", jwksURL, err)
			jwks = nil
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				writeAuthError(w, http.StatusUnauthorized, "invalid Authorization format, expected: Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
			if tokenString == "" {
				writeAuthError(w, http.StatusUnauthorized, "empty token")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
					if jwtSecret != "" {
						return []byte(jwtSecret), nil
					}
					return nil, fmt.Errorf("hmac secret not configured")
				}
				if jwks != nil {
					return jwks.Keyfunc(token)
				}
				return nil, fmt.Errorf("no suitable verification method")
			})
			if err != nil || !token.Valid {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			sub, _ := claims["sub"].(string)
			if sub == "" {
				writeAuthError(w, http.StatusUnauthorized, "token missing subject")
				return
			}
			role, _ := claims["role"].(string)

			ctx := context.WithValue(r.Context(), IdentityContextKey{}, Identity{Subject: sub, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity 从 context 中获取经过鉴权的身份。
func GetIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(Identity)
	return identity, ok
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="filegate"`)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
