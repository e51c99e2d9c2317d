package auth

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// WildcardAll grants every capability.
	WildcardAll = "*"

	PermOrdersView       = "portal.orders.view"
	PermOrdersCreate     = "portal.orders.create"
	PermCatalogView      = "portal.catalog.view"
	PermCartManage       = "portal.cart.manage"
	PermInvoicesView     = "portal.invoices.view"
	PermReportsView      = "analytics.reports.view"
	PermAssistantUse     = "assistant.chat.use"
	PermSettingsManage   = "admin.settings.manage"
	PermUsersManage      = "admin.users.manage"
	PermSessionsRevoke   = "admin.sessions.revoke"
	PermAnalyticsExport  = "analytics.reports.export"
	PermInvoicesDownload = "portal.invoices.download"
)

// PermissionKind tags the parsed shape of a permission string.
type PermissionKind uint8

const (
	PermissionExact PermissionKind = iota
	PermissionCategory
	PermissionGlobal
)

// Permission is the parsed form of a capability string.
type Permission struct {
	Kind     PermissionKind
	Category string
	Resource string
	Action   string
}

// String renders the permission back to its canonical string.
func (p Permission) String() string {
	switch p.Kind {
	case PermissionGlobal:
		return WildcardAll
	case PermissionCategory:
		return p.Category + ".*"
	default:
		return p.Category + "." + p.Resource + "." + p.Action
	}
}

var permissionPattern = regexp.MustCompile(`^(\*|[a-z][a-z0-9_]*\.\*|[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*)$`)

// ValidatePermission checks the provisioning-time format rule.
func ValidatePermission(s string) error {
	if !permissionPattern.MatchString(s) {
		return fmt.Errorf("%w: malformed permission %q", ErrInvalidInput, s)
	}
	return nil
}

// ParsePermission validates s and returns its tagged form.
func ParsePermission(s string) (Permission, error) {
	if err := ValidatePermission(s); err != nil {
		return Permission{}, err
	}
	if s == WildcardAll {
		return Permission{Kind: PermissionGlobal}, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) == 2 {
		return Permission{Kind: PermissionCategory, Category: parts[0]}, nil
	}
	return Permission{Kind: PermissionExact, Category: parts[0], Resource: parts[1], Action: parts[2]}, nil
}

// PermissionSet is a held permission list compiled for matching. The zero
// value grants nothing.
type PermissionSet struct {
	global     bool
	categories map[string]struct{}
	exact      map[string]struct{}
}

// NewPermissionSet compiles held permissions. Inputs are assumed to have
// passed ValidatePermission at provisioning time; anything that is neither
// "*" nor "<category>.*" is matched by exact string.
func NewPermissionSet(perms []string) PermissionSet {
	set := PermissionSet{
		categories: make(map[string]struct{}),
		exact:      make(map[string]struct{}, len(perms)),
	}
	for _, p := range perms {
		switch {
		case p == WildcardAll:
			set.global = true
		case strings.HasSuffix(p, ".*") && strings.Count(p, ".") == 1:
			set.categories[strings.TrimSuffix(p, ".*")] = struct{}{}
		case p != "":
			set.exact[p] = struct{}{}
		}
	}
	return set
}

// Has reports whether the set grants required. Order: global wildcard,
// exact match, category wildcard on the segment before the first dot.
func (s PermissionSet) Has(required string) bool {
	if s.global {
		return true
	}
	if _, ok := s.exact[required]; ok {
		return true
	}
	category, _, found := strings.Cut(required, ".")
	if !found {
		return false
	}
	_, ok := s.categories[category]
	return ok
}

// HasAny reports whether at least one of required is granted.
func (s PermissionSet) HasAny(required ...string) bool {
	for _, r := range required {
		if s.Has(r) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of required is granted. An empty list is
// trivially satisfied.
func (s PermissionSet) HasAll(required ...string) bool {
	for _, r := range required {
		if !s.Has(r) {
			return false
		}
	}
	return true
}

// List returns the held permissions in canonical sorted order.
func (s PermissionSet) List() []string {
	out := make([]string, 0, len(s.exact)+len(s.categories)+1)
	if s.global {
		out = append(out, WildcardAll)
	}
	for c := range s.categories {
		out = append(out, c+".*")
	}
	for e := range s.exact {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// HasPermission evaluates a single requirement against a held list.
func HasPermission(held []string, required string) bool {
	return NewPermissionSet(held).Has(required)
}

// HasAnyPermission is HasPermission with OR semantics.
func HasAnyPermission(held []string, required []string) bool {
	return NewPermissionSet(held).HasAny(required...)
}

// HasAllPermissions is HasPermission with AND semantics.
func HasAllPermissions(held []string, required []string) bool {
	return NewPermissionSet(held).HasAll(required...)
}
