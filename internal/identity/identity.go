// Package identity implements C1, the Identity & Ownership Gate: bearer
// token verification and resource-ownership assertion.
package identity

import (
	"context"
	"fmt"
	"time"
)

// Identity is the resolved caller, yielded on successful verification.
type Identity struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenVerifier abstracts the external identity provider. The Firebase SDK
// and a JWKS-based verifier both satisfy this shape.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// FirebaseClient is the subset of firebase.google.com/go/v4/auth's Client
// that token verification needs.
type FirebaseClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (FirebaseToken, error)
}

// FirebaseToken mirrors the fields of auth.Token used here, letting callers
// pass the real SDK type without this package importing it directly.
type FirebaseToken struct {
	UID      string
	IssuedAt int64
	Expires  int64
}

// FirebaseVerifier adapts a Firebase Admin SDK client to TokenVerifier.
type FirebaseVerifier struct {
	client FirebaseClient
}

// NewFirebaseVerifier builds a TokenVerifier backed by Firebase ID tokens.
func NewFirebaseVerifier(client FirebaseClient) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

func (v *FirebaseVerifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("identity.VerifyToken: token is empty")
	}
	t, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("identity.VerifyToken: %w", err)
	}
	return Identity{
		UserID:    t.UID,
		IssuedAt:  time.Unix(t.IssuedAt, 0),
		ExpiresAt: time.Unix(t.Expires, 0),
	}, nil
}

// Gate is the composed verifier used by the router's auth middleware. It
// tries each configured verifier in order and succeeds on the first hit,
// so a deployment can run Firebase and a local JWKS-based provider side by
// side during migration.
type Gate struct {
	verifiers []TokenVerifier
}

// NewGate builds a Gate trying each verifier in order.
func NewGate(verifiers ...TokenVerifier) *Gate {
	return &Gate{verifiers: verifiers}
}

// Authenticate extracts and verifies a bearer token against every
// configured verifier, returning the first successful Identity.
func (g *Gate) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("identity.Authenticate: missing token")
	}
	var lastErr error
	for _, v := range g.verifiers {
		id, err := v.VerifyToken(ctx, token)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("identity.Authenticate: no verifiers configured")
	}
	return Identity{}, lastErr
}

// OwnerChecker loads an owned resource's owner user id, or reports that it
// doesn't exist. Implemented per-entity by the repository layer.
type OwnerChecker func(ctx context.Context, resourceID string) (ownerUserID string, found bool, err error)

// AssertOwnership loads the resource via check and fails with a not-found
// signal — never a forbidden one — when the resource belongs to a
// different user, so that cross-tenant requests can't distinguish
// "doesn't exist" from "exists but isn't yours".
func AssertOwnership(ctx context.Context, callerUserID, resourceID string, check OwnerChecker) error {
	owner, found, err := check(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("identity.AssertOwnership: %w", err)
	}
	if !found || owner != callerUserID {
		return errNotFound
	}
	return nil
}

var errNotFound = fmt.Errorf("identity: resource not found")

// IsNotFound reports whether err is the sentinel AssertOwnership returns on
// a missing-or-not-yours resource.
func IsNotFound(err error) bool {
	return err == errNotFound
}
