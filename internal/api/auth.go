package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth constants.
const (
	// ticketTTL is how long a WebSocket ticket is valid.
	ticketTTL = 60 * time.Second

	// ticketCleanupInterval is how often expired tickets are purged.
	ticketCleanupInterval = time.Minute

	// tokenIssuer is the iss claim on tokens minted by IssueToken.
	tokenIssuer = "meshgw"
)

// ErrInvalidToken is returned by ValidateToken for any rejected token.
var ErrInvalidToken = errors.New("api: invalid token")

// IssueToken mints an HS256 bearer token for the status API.
//
// Parameters:
//   - secret: The api.auth.jwt_secret value
//   - subject: Who the token is for (recorded in logs)
//   - ttl: Token lifetime
//
// Returns:
//   - string: Signed token
//   - error: If the secret is empty or signing fails
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: secret is required", ErrInvalidToken)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks signature, algorithm, issuer and expiry, and
// returns the token subject.
func ValidateToken(secret, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]time.Time
	mu      sync.Mutex
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]time.Time)}
}

// issue creates and stores a new ticket.
func (t *ticketStore) issue() string {
	ticket := generateTicket()

	t.mu.Lock()
	t.tickets[ticket] = time.Now().Add(ticketTTL)
	t.mu.Unlock()

	return ticket
}

// consume checks a ticket and removes it (single-use).
func (t *ticketStore) consume(ticket string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiresAt, ok := t.tickets[ticket]
	if !ok {
		return false
	}
	delete(t.tickets, ticket)
	return time.Now().Before(expiresAt)
}

// purge drops expired tickets and returns how many were removed.
func (t *ticketStore) purge(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for ticket, expiresAt := range t.tickets {
		if now.After(expiresAt) {
			delete(t.tickets, ticket)
			removed++
		}
	}
	return removed
}

// handleWSTicket generates a single-use WebSocket authentication ticket.
// The client uses it to open /ws without exposing the token in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("websocket ticket issued", "subject", r.Context().Value(ctxKeySubject))
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(),
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// cleanTicketsLoop purges expired tickets until ctx is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.tickets.purge(now); n > 0 {
				s.logger.Debug("expired websocket tickets purged", "count", n)
			}
		}
	}
}

// ticketBytes is the number of random bytes in a ticket.
const ticketBytes = 16

// generateTicket creates a random hex ticket.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}
