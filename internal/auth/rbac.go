package auth

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoleTable maps role names to permission strings. It is read-only once
// built and safe for concurrent use.
type RoleTable struct {
	roles map[string][]string
}

type roleFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// BuiltinRoles is the role table used when no roles file is configured.
var BuiltinRoles = map[string][]string{
	"super_admin": {WildcardAll},
	"admin":       {"portal.*", "admin.*", "analytics.*"},
	"sales_manager": {
		"portal.*",
		PermReportsView,
		PermAnalyticsExport,
		PermAssistantUse,
	},
	"sales_rep": {
		PermOrdersView,
		PermOrdersCreate,
		PermCatalogView,
		PermCartManage,
		PermAssistantUse,
	},
	"customer": {
		PermCatalogView,
		PermCartManage,
		PermOrdersView,
		PermOrdersCreate,
		PermInvoicesView,
		PermInvoicesDownload,
	},
	"viewer": {
		PermCatalogView,
		PermOrdersView,
	},
}

// NewRoleTable validates every permission string and builds a table. Role
// names are normalized to lower case.
func NewRoleTable(roles map[string][]string) (*RoleTable, error) {
	table := &RoleTable{roles: make(map[string][]string, len(roles))}
	for name, perms := range roles {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			return nil, fmt.Errorf("%w: empty role name", ErrInvalidInput)
		}
		for _, p := range perms {
			if err := ValidatePermission(p); err != nil {
				return nil, fmt.Errorf("role %s: %w", name, err)
			}
		}
		table.roles[name] = dedupeStrings(append(table.roles[name], perms...))
	}
	return table, nil
}

// DefaultRoleTable returns a table built from BuiltinRoles.
func DefaultRoleTable() *RoleTable {
	table, err := NewRoleTable(BuiltinRoles)
	if err != nil {
		panic(err)
	}
	return table
}

// LoadRoleTable decodes a YAML document of the form
//
//	roles:
//	  sales_rep: [portal.orders.view, portal.orders.create]
func LoadRoleTable(r io.Reader) (*RoleTable, error) {
	var doc roleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if len(doc.Roles) == 0 {
		return nil, fmt.Errorf("%w: roles file defines no roles", ErrInvalidInput)
	}
	return NewRoleTable(doc.Roles)
}

// Permissions returns the permission strings granted to role.
func (t *RoleTable) Permissions(role string) ([]string, bool) {
	perms, ok := t.roles[strings.TrimSpace(strings.ToLower(role))]
	if !ok {
		return nil, false
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out, true
}

// Roles lists the known role names in sorted order.
func (t *RoleTable) Roles() []string {
	names := make([]string, 0, len(t.roles))
	for name := range t.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expand unions the permissions of roles with any extra grants. Unknown role
// names contribute nothing. The result is sorted and deduplicated.
func (t *RoleTable) Expand(roles []string, extra ...string) []string {
	var perms []string
	for _, role := range roles {
		if granted, ok := t.Permissions(role); ok {
			perms = append(perms, granted...)
		}
	}
	perms = append(perms, extra...)
	out := dedupeStrings(perms)
	sort.Strings(out)
	return out
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func dedupeRoles(roles []string) []string {
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		normalized = append(normalized, strings.ToLower(role))
	}
	return dedupeStrings(normalized)
}
