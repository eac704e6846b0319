// Command calltoken mints a bearer token for a user id with the server's
// AUTH_SECRET. It does not check that the user exists.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"zvonok/internal/auth"
	"zvonok/internal/config"
)

func main() {
	userID := flag.String("user", "", "user id to mint a token for")
	flag.Parse()

	if *userID == "" {
		fmt.Println("Usage: calltoken -user <id>")
		os.Exit(1)
	}

	cfg, err := config.Load(false)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	authService, err := auth.NewAuthService(context.Background(), auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	}, nil)
	if err != nil {
		fmt.Printf("Error creating auth service: %v\n", err)
		os.Exit(1)
	}

	token, expiresAt, err := authService.IssueToken(*userID)
	if err != nil {
		fmt.Printf("Error issuing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
