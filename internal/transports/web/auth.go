package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
)

const (
	authBearer       = "bearer"
	authLegacyHeader = "legacy_header"
)

// TokenEntry описывает web bearer-токен.
type TokenEntry struct {
	ID          string
	TokenSHA256 string
	Subject     string
	Enabled     bool
}

// identity - вызывающая сторона HTTP-запроса.
type identity struct {
	Subject string
	TokenID string
	Method  string
}

type identityKey struct{}

func withIdentity(ctx context.Context, id identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// tokenTable ищет токены по sha256 от предъявленного значения.
type tokenTable struct {
	byHash      map[string]TokenEntry
	allowLegacy bool
}

func newTokenTable(logger *slog.Logger, entries []TokenEntry, allowLegacy bool) tokenTable {
	byHash := make(map[string]TokenEntry, len(entries))
	for _, token := range entries {
		h := strings.ToLower(strings.TrimSpace(token.TokenSHA256))
		if _, err := hex.DecodeString(h); err != nil || len(h) != sha256.Size*2 {
			logger.Warn("Web token ignored: sha256 must be 64 hex chars", "token_id", token.ID)
			continue
		}
		byHash[h] = token
	}
	return tokenTable{byHash: byHash, allowLegacy: allowLegacy}
}

// resolve возвращает identity или код ошибки для 401.
func (t tokenTable) resolve(r *http.Request) (identity, string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "bearer") {
		token = strings.TrimSpace(token)
		if token == "" {
			return identity{}, "invalid_token"
		}
		sum := sha256.Sum256([]byte(token))
		entry, found := t.byHash[hex.EncodeToString(sum[:])]
		if !found || !entry.Enabled || entry.Subject == "" {
			return identity{}, "invalid_token"
		}
		return identity{Subject: entry.Subject, TokenID: entry.ID, Method: authBearer}, ""
	}

	if t.allowLegacy {
		if subject := strings.TrimSpace(r.Header.Get("X-Subject-ID")); subject != "" {
			return identity{Subject: subject, Method: authLegacyHeader}, ""
		}
	}
	return identity{}, "auth_required"
}

func (a *Adapter) authenticate() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, code := a.tokens.resolve(r)
			if code != "" {
				writeError(w, r, http.StatusUnauthorized, code)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}
