package server

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/clouddeck/shellbox/internal/types"
)

// Identity resolves a realtime connection to the tenant behind it. Supplied
// by the panel's identity layer; authentication mechanics live there, not
// here.
type Identity interface {
	Resolve(r *http.Request) (types.User, error)
}

// HeaderIdentity trusts identity headers injected by the panel's fronting
// proxy, which has already authenticated the request.
type HeaderIdentity struct{}

func (HeaderIdentity) Resolve(r *http.Request) (types.User, error) {
	id := r.Header.Get("X-Shellbox-User-Id")
	if id == "" {
		return types.User{}, fmt.Errorf("missing identity headers")
	}
	return types.User{ID: id, Username: r.Header.Get("X-Shellbox-Username")}, nil
}

// SiteRegistry maps a site id to the project folder it lives in, relative to
// the user's sandbox root.
type SiteRegistry interface {
	SiteFolder(ctx context.Context, userID, siteID string) (string, error)
}

// StaticSites is a config-backed site registry for development. Production
// deployments inject one backed by the panel's site database.
type StaticSites map[string]string

func (s StaticSites) SiteFolder(ctx context.Context, userID, siteID string) (string, error) {
	folder, ok := s[siteID]
	if !ok {
		return "", fmt.Errorf("unknown site: %s", siteID)
	}
	return folder, nil
}

// Notifier is told when a completed command looks schema-modifying, so the
// panel's database views can refresh. Inspection is text-only; the hook never
// sees command output.
type Notifier interface {
	SchemaChanged(userID, siteID, command string)
}

type NopNotifier struct{}

func (NopNotifier) SchemaChanged(userID, siteID, command string) {}

var schemaChangePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bmigrate\b`),
	regexp.MustCompile(`\bdb:(push|migrate|seed|reset)\b`),
	regexp.MustCompile(`\bmigration(s)?\b`),
}

func isSchemaChanging(command string) bool {
	for _, re := range schemaChangePatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
