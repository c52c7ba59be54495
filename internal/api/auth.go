package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// ticketCleanInterval is how often expired tickets are purged.
const ticketCleanInterval = 5 * time.Minute

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the response body for POST /auth/login.
type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
}

type ticketEntry struct {
	role      auth.Role
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

// issue creates a new single-use ticket for the given role.
func (ts *ticketStore) issue(role auth.Role) string {
	b := make([]byte, 16)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	ticket := hex.EncodeToString(b)

	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{role: role, expiresAt: time.Now().Add(ticketTTL)}
	ts.mu.Unlock()

	return ticket
}

// redeem consumes a ticket. Each ticket validates exactly one connection.
func (ts *ticketStore) redeem(ticket string) (ticketEntry, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	delete(ts.tickets, ticket)

	if time.Now().After(entry.expiresAt) {
		return ticketEntry{}, false
	}
	return entry, true
}

// clean removes expired tickets.
func (ts *ticketStore) clean() {
	now := time.Now()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for ticket, entry := range ts.tickets {
		if now.After(entry.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

// cleanTicketsLoop periodically purges expired tickets until the context
// is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketCleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.clean()
		}
	}
}

// handleLogin authenticates the bootstrap admin account and returns a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	admin := s.secCfg.Admin
	if admin.PasswordHash == "" {
		writeUnavailable(w, "no admin account configured")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, admin.PasswordHash)
	if err != nil || !ok || req.Username != admin.Username {
		writeUnauthorized(w, "invalid credentials")
		return
	}

	ttl := s.secCfg.JWT.AccessTokenTTL
	if ttl <= 0 {
		ttl = 60
	}

	token, err := auth.GenerateToken(req.Username, auth.RoleAdmin, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		s.logger.Error("failed to generate access token", "error", err)
		writeInternalError(w, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   ttl * 60,
	})
}

// handleWSTicket issues a short-lived single-use WebSocket ticket.
// Browsers cannot set the Authorization header on WebSocket upgrades, so
// the connection authenticates with the ticket as a query parameter.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	ticket := s.tickets.issue(claims.Role)

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}
