// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/efchatnet/efdm/backend/chat"
)

// Claims represents the JWT claims structure
type Claims struct {
	UserID    UserID `json:"user_id"`
	Username  string `json:"username,omitempty"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	Issuer    string `json:"iss,omitempty"`
}

// UserID accepts both numeric and string encodings of the account id.
type UserID int64

func (u *UserID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user_id: %w", err)
	}
	*u = UserID(id)
	return nil
}

// Verifier is the identity verifier: it turns an HS256 token into a user id.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
	log    *logrus.Entry
}

func NewVerifier(secret, issuer string, logger *logrus.Logger) *Verifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
		log:    logger.WithField("component", "auth"),
	}
}

// Verify returns the user id carried by token. Every failure is reported as
// chat.ErrUnauthorized; the reason is only logged.
func (v *Verifier) Verify(ctx context.Context, token string) (int64, error) {
	claims, err := v.parse(token)
	if err != nil {
		v.log.WithError(err).Debug("token rejected")
		return 0, chat.ErrUnauthorized
	}
	return int64(claims.UserID), nil
}

func (v *Verifier) parse(token string) (*Claims, error) {
	claims, err := verifyJWT(token, v.secret)
	if err != nil {
		return nil, err
	}
	if v.now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("invalid token issuer")
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("invalid user_id")
	}
	return claims, nil
}

// Sign issues a token for claims. Token issuance belongs to the account
// service; this is used by tests and local tooling.
func (v *Verifier) Sign(claims Claims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(struct {
		UserID    int64  `json:"user_id"`
		Username  string `json:"username,omitempty"`
		ExpiresAt int64  `json:"exp"`
		IssuedAt  int64  `json:"iat"`
		Issuer    string `json:"iss,omitempty"`
	}{int64(claims.UserID), claims.Username, claims.ExpiresAt, claims.IssuedAt, claims.Issuer})
	if err != nil {
		return "", err
	}
	unsigned := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(sign(unsigned, v.secret)), nil
}

// verifyJWT verifies and parses a JWT token
func verifyJWT(token string, secret []byte) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format")
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode header: %v", err)
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %v", err)
	}
	alg, ok := header["alg"].(string)
	if !ok || alg != "HS256" {
		return nil, fmt.Errorf("unsupported algorithm: %v", alg)
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}
	if !hmac.Equal(signature, sign(parts[0]+"."+parts[1], secret)) {
		return nil, fmt.Errorf("invalid signature")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode claims: %v", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %v", err)
	}
	return &claims, nil
}

func sign(message string, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return h.Sum(nil)
}

type contextKey string

const userIDKey contextKey = "user_id"

// NewAuthMiddleware rejects requests without a valid bearer token and puts
// the verified user id into the request context.
func NewAuthMiddleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			userID, err := v.Verify(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID extracts the user ID from the request context
func GetUserID(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value(userIDKey).(int64)
	return userID, ok
}

// WithUserID returns a context carrying userID, as the auth middleware does.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// CORS middleware for handling cross-origin requests
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if OriginAllowed(allowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed reports whether origin is in the allow list. A "*" entry
// allows every origin.
func OriginAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
