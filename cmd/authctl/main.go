// Command authctl is the operator tool for the portal auth core: it hashes
// passwords, validates role and seed files, evaluates permissions and runs
// one-off session sweeps.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"leora.app/internal/auth"
	"leora.app/internal/store/memory"
	"leora.app/internal/store/pg"
)

const usageText = "usage: authctl [hash-password|validate-roles|validate-seed|check|schema|sweep] [flags]"

var errUsage = errors.New(usageText)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "authctl:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "hash-password":
		return hashPassword(stdin, stdout)
	case "validate-roles":
		return validateRoles(rest, stdout)
	case "validate-seed":
		return validateSeed(rest, stdout)
	case "check":
		return check(rest, stdout)
	case "schema":
		_, err := io.WriteString(stdout, pg.Schema)
		return err
	case "sweep":
		return sweep(rest, stdout)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usageText)
	}
}

// hashPassword reads one password line from stdin.
func hashPassword(stdin io.Reader, stdout io.Writer) error {
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("password is required on stdin")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}

func loadRoles(path string) (*auth.RoleTable, error) {
	if path == "" {
		return auth.DefaultRoleTable(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return auth.LoadRoleTable(f)
}

func validateRoles(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate-roles", flag.ContinueOnError)
	path := fs.String("roles", "", "YAML role table (built-in roles when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	table, err := loadRoles(*path)
	if err != nil {
		return err
	}
	for _, role := range table.Roles() {
		perms, _ := table.Permissions(role)
		fmt.Fprintf(stdout, "%s: %s\n", role, strings.Join(perms, ", "))
	}
	return nil
}

func validateSeed(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate-seed", flag.ContinueOnError)
	path := fs.String("seed", "", "YAML seed file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("-seed is required")
	}
	if err := memory.New().LoadSeedFile(*path); err != nil {
		return err
	}
	_, err := fmt.Fprintln(stdout, "seed ok")
	return err
}

// check expands the given roles and reports, for each permission argument,
// whether the result grants it. It fails when any permission is denied.
func check(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	path := fs.String("roles", "", "YAML role table (built-in roles when empty)")
	roleList := fs.String("role", "", "comma-separated roles")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("at least one permission is required")
	}
	table, err := loadRoles(*path)
	if err != nil {
		return err
	}
	var roles []string
	for _, r := range strings.Split(*roleList, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	set := auth.NewPermissionSet(table.Expand(roles))

	perms := append([]string(nil), fs.Args()...)
	sort.Strings(perms)
	denied := 0
	for _, perm := range perms {
		verdict := "allow"
		if err := auth.ValidatePermission(perm); err != nil {
			verdict = "invalid"
			denied++
		} else if !set.Has(perm) {
			verdict = "deny"
			denied++
		}
		fmt.Fprintf(stdout, "%-7s %s\n", verdict, perm)
	}
	if denied > 0 {
		return fmt.Errorf("%d of %d permissions not granted", denied, len(perms))
	}
	return nil
}

func sweep(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	dsn := fs.String("dsn", os.Getenv("LEORA_DATABASE_URL"), "PostgreSQL DSN")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" {
		return errors.New("missing DSN: provide via -dsn or LEORA_DATABASE_URL")
	}
	store, err := pg.Open(*dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := store.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "removed %d expired sessions\n", n)
	return err
}
