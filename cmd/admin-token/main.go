// Command admin-token mints a signed admin JWT for the /admin endpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"credit_ledger/internal/auth"
	"credit_ledger/internal/config"
)

func main() {
	adminID := flag.String("id", os.Getenv("ADMIN_ID"), "identifier recorded in admin logs")
	roles := flag.String("roles", "admin", "comma separated roles (admin, viewer)")
	service := flag.Bool("service", false, "mint a service token instead of a user token")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.JWTSecret) == 0 {
		fmt.Fprintf(os.Stderr, "ERROR: JWT_SECRET must be set\n")
		os.Exit(1)
	}
	if *adminID == "" {
		fmt.Fprintf(os.Stderr, "ERROR: -id or ADMIN_ID must be set\n")
		os.Exit(1)
	}

	var parsed []auth.Role
	for _, r := range strings.Split(*roles, ",") {
		role := auth.Role(strings.TrimSpace(r))
		if !role.IsValid() {
			fmt.Fprintf(os.Stderr, "ERROR: Unknown role %q\n", r)
			os.Exit(1)
		}
		parsed = append(parsed, role)
	}

	authType := auth.AuthTypeUser
	if *service {
		authType = auth.AuthTypeService
	}

	token, expiresAt, err := auth.GenerateAdminJWT(*adminID, authType, parsed, *ttl, cfg.JWTSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Token for %s, roles %v, expires %s\n", *adminID, parsed, expiresAt.Format(time.RFC3339))
	fmt.Println(token)
}
