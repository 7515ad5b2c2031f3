// Package artifacts stores versioned named blobs scoped to a session,
// or to a user when the filename carries the user: prefix.
package artifacts

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ErrNotFound is returned when an artifact or version does not exist.
var ErrNotFound = errors.New("artifact not found")

// UserScopedSession is the pseudo-session user:-prefixed filenames are
// rebound to, making them visible across every session of the user.
const UserScopedSession = "USER_SCOPED"

// Service is the artifact store contract. Versions start at 1;
// version 0 addresses the latest on load.
type Service interface {
	// Save writes a new version and returns its number.
	Save(ctx context.Context, appName, userID, sessionID, filename string, part models.Part) (int, error)

	// Load returns the named version, or the highest when version is 0.
	Load(ctx context.Context, appName, userID, sessionID, filename string, version int) (*models.Part, error)

	// Keys lists the filenames visible to the session, including
	// user-scoped ones.
	Keys(ctx context.Context, appName, userID, sessionID string) ([]string, error)

	// Versions lists the stored versions of one filename, ascending.
	Versions(ctx context.Context, appName, userID, sessionID, filename string) ([]int, error)

	// Delete removes all versions of a filename.
	Delete(ctx context.Context, appName, userID, sessionID, filename string) error
}

// scopeSession rebinds user:-prefixed filenames to the user-scoped
// pseudo-session.
func scopeSession(sessionID, filename string) string {
	if strings.HasPrefix(filename, "user:") {
		return UserScopedSession
	}
	return sessionID
}
