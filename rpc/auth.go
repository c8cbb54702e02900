package rpc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyCaller contextKey = "caller_address"

var errNoCaller = errors.New("rpc: no authenticated caller in context")

// authenticator validates bearer tokens and resolves the caller address
// embedded in the claims.
type authenticator struct {
	secret []byte
}

type vaultClaims struct {
	Address string `json:"addr"`
	jwt.RegisteredClaims
}

// middleware rejects requests without a valid HS256 bearer token and stores
// the caller address on the request context.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			writeError(w, http.StatusServiceUnavailable, errors.New("rpc: admin authentication not configured"))
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("rpc: missing bearer token"))
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		claims := &vaultClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("rpc: unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, errors.New("rpc: invalid token"))
			return
		}
		caller, err := parseAddress(claims.Address)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("rpc: token address: %w", err))
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromContext(ctx context.Context) ([20]byte, error) {
	caller, ok := ctx.Value(contextKeyCaller).([20]byte)
	if !ok {
		return [20]byte{}, errNoCaller
	}
	return caller, nil
}

func parseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("malformed address %q", s)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("address must be %d bytes", len(addr))
	}
	copy(addr[:], raw)
	return addr, nil
}
