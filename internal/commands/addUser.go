package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"zvonok/internal/api"
	"zvonok/internal/config"
)

const requestTimeout = 10 * time.Second

// AddUser creates a user through the running admin API and prints its id
// and bearer token to out.
func AddUser(ctx context.Context, username string, cfg *config.Config, out io.Writer) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "\nUser Created Successfully!\n")
	fmt.Fprintf(out, "Username:     %s\n", result.Username)
	fmt.Fprintf(out, "User ID:      %s\n", result.ID)
	fmt.Fprintf(out, "Token:        %s\n", result.Token)
	fmt.Fprintf(out, "Expires:      %s\n", result.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Connect URL:  %s\n\n", api.ConnectURL(cfg.BaseURL, result.Token))
	fmt.Fprintln(out, "Share the token with the user; it is not stored and cannot be shown again.")
	return nil
}
