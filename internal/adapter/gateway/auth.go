package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"opsdesk/internal/domain"
)

// ClientInfo is the caller identity a bearer token resolves to.
type ClientInfo struct {
	ID        string
	Name      string
	Email     string
	Roles     []string
	CompanyID string
}

// Caller converts the client into the domain caller identity.
func (c *ClientInfo) Caller() domain.Caller {
	return domain.Caller{ID: c.ID, Email: c.Email, Name: c.Name}
}

// Authenticator resolves a bearer token to a client.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry is one configured bearer token and the client it stands for.
type TokenEntry struct {
	Token string
	ClientInfo
}

// StaticTokenAuth checks tokens against a fixed list. Only SHA-256 digests
// are kept, and every digest is compared so the time taken does not depend
// on which entry matched.
type StaticTokenAuth struct {
	digests [][sha256.Size]byte
	clients []*ClientInfo
}

// NewStaticTokenAuth builds the authenticator. Entries with an empty token
// are skipped.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, e := range entries {
		if e.Token == "" {
			continue
		}
		client := e.ClientInfo
		a.digests = append(a.digests, sha256.Sum256([]byte(e.Token)))
		a.clients = append(a.clients, &client)
	}
	return a
}

// Authenticate implements Authenticator.
func (a *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	sum := sha256.Sum256([]byte(token))
	var found *ClientInfo
	for i := range a.digests {
		if subtle.ConstantTimeCompare(sum[:], a.digests[i][:]) == 1 && found == nil {
			found = a.clients[i]
		}
	}
	if found == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return found, nil
}

type clientKey struct{}

// ClientFromContext returns the authenticated client, or nil.
func ClientFromContext(ctx context.Context) *ClientInfo {
	c, _ := ctx.Value(clientKey{}).(*ClientInfo)
	return c
}

// bearerToken extracts the credential of an "Authorization: Bearer" header.
// The scheme is case-insensitive.
func bearerToken(r *http.Request) string {
	scheme, cred, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(cred)
}

// requireAuth answers 401 unless the request carries a known token. The
// client, its company and its roles travel on in the request context.
func requireAuth(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := auth.Authenticate(bearerToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="opsdesk"`)
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), clientKey{}, client)
		if client.CompanyID != "" {
			ctx = domain.ContextWithTenantID(ctx, client.CompanyID)
		}
		if len(client.Roles) > 0 {
			ctx = domain.ContextWithRoles(ctx, domain.StringsToAuthRoles(client.Roles))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
