package memory

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"leora.app/internal/auth"
)

// Seed is the YAML document accepted by LoadSeed.
//
//	tenants:
//	  - id: ten_acme
//	    slug: acme
//	    name: Acme Corp
//	    users:
//	      - id: usr_1
//	        email: rep@acme.test
//	        password_hash: $2a$10$...
//	        roles: [sales_rep]
type Seed struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

type SeedTenant struct {
	ID       string     `yaml:"id"`
	Slug     string     `yaml:"slug"`
	Name     string     `yaml:"name"`
	Inactive bool       `yaml:"inactive"`
	Users    []SeedUser `yaml:"users"`
}

type SeedUser struct {
	ID           string   `yaml:"id"`
	Email        string   `yaml:"email"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
	Permissions  []string `yaml:"permissions"`
	Disabled     bool     `yaml:"disabled"`
}

// LoadSeed decodes a seed document into s. Direct permission grants are
// validated like role table entries.
func (s *Store) LoadSeed(r io.Reader) error {
	var doc Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, t := range doc.Tenants {
		tenant := auth.Tenant{ID: t.ID, Slug: t.Slug, Name: t.Name, Active: !t.Inactive}
		if err := s.PutTenant(tenant); err != nil {
			return err
		}
		for _, u := range t.Users {
			for _, p := range u.Permissions {
				if err := auth.ValidatePermission(p); err != nil {
					return fmt.Errorf("user %s: %w", u.ID, err)
				}
			}
			if u.PasswordHash == "" {
				return fmt.Errorf("%w: user %s has no password hash", auth.ErrInvalidInput, u.ID)
			}
			err := s.PutIdentity(auth.Identity{
				ID:           u.ID,
				Email:        u.Email,
				TenantID:     t.ID,
				TenantSlug:   auth.NormalizeSlug(t.Slug),
				Roles:        u.Roles,
				Permissions:  u.Permissions,
				PasswordHash: u.PasswordHash,
				Active:       !u.Disabled,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadSeedFile is LoadSeed over a file path.
func (s *Store) LoadSeedFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return s.LoadSeed(f)
}
