// Command token issues an access token signed with the configured secret,
// for local development and service-to-service callers.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"stepdocs/api/internal/auth"
	"stepdocs/api/internal/config"
	"stepdocs/api/internal/rbac"
)

func main() {
	var sub, name, role string
	var ttl time.Duration
	flag.StringVar(&sub, "sub", "", "actor id stored as uploaded_by")
	flag.StringVar(&name, "name", "", "display name")
	flag.StringVar(&role, "role", string(rbac.RoleEditor), "viewer, editor or admin")
	flag.DurationVar(&ttl, "ttl", 0, "token lifetime (default STEPDOCS_ACCESS_TTL_SECONDS)")
	flag.Parse()

	sub = strings.TrimSpace(sub)
	if sub == "" {
		fmt.Println("-sub is required")
		os.Exit(2)
	}
	if rbac.Normalize(role) != rbac.Role(role) {
		fmt.Printf("unknown role %q\n", role)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("load config: %v\n", err)
		os.Exit(1)
	}
	if ttl <= 0 {
		ttl = cfg.AccessTTL
	}
	if name == "" {
		name = sub
	}

	token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.NewClaims(sub, name, role, ttl, time.Now()))
	if err != nil {
		fmt.Printf("issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
