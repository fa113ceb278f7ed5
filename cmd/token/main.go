// Command token mints staff bearer tokens for scanner devices and admins.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"qrattendance/internal/auth"
	"qrattendance/internal/config"
)

func main() {
	staff := flag.String("staff", "", "staff id recorded on scans")
	role := flag.String("role", auth.RoleScanner, "scanner or admin")
	flag.Parse()

	cfg := config.Load()
	tok, err := auth.Issue(*staff, *role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.JWTAccessTTL)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	if err := json.NewEncoder(os.Stdout).Encode(tok); err != nil {
		log.Fatal(err)
	}
}
