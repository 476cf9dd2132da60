// Command lfcli is the Latchflow admin CLI: device-code login, API token
// listing and identity checks against a running server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/latchflow/latchflow/common/version"
)

func main() {
	// .env is optional and never overrides the real environment.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	server := os.Getenv("LATCHFLOW_URL")
	if server == "" {
		server = "http://localhost:8080"
	}
	server = strings.TrimRight(server, "/")
	token := os.Getenv("LATCHFLOW_TOKEN")

	switch os.Args[1] {
	case "login":
		cmdLogin(server)
	case "tokens":
		cmdTokens(server, token)
	case "whoami":
		cmdWhoami(server, token)
	case "version":
		fmt.Printf("lfcli %s\n", version.Info())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Latchflow CLI ` + version.Version + `

Usage: lfcli <command> [flags]

Commands:
  login     Log in via the device-code flow and print an API token
  tokens    List your API tokens
  whoami    Show the principal behind LATCHFLOW_TOKEN
  version   Print version
  help      Show this help

Environment:
  LATCHFLOW_URL     Server URL (default: http://localhost:8080)
  LATCHFLOW_TOKEN   API token used by tokens/whoami

Examples:
  lfcli login --email ops@example.com --device laptop
  LATCHFLOW_TOKEN=lfk_... lfcli tokens`)
}

// ----------------------------------------------------------------
// login command
// ----------------------------------------------------------------

type deviceStart struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

func cmdLogin(server string) {
	var email, device string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--email", "-e":
			i++
			if i < len(args) {
				email = args[i]
			}
		case "--device", "-d":
			i++
			if i < len(args) {
				device = args[i]
			}
		}
	}
	if email == "" {
		fmt.Fprintln(os.Stderr, "Error: --email is required")
		os.Exit(1)
	}
	if device == "" {
		host, _ := os.Hostname()
		device = host
	}

	body, _ := json.Marshal(map[string]string{"email": email, "device_name": device})
	status, resp, err := doRequest(http.MethodPost, server+"/auth/cli/device/start", body, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Login refused: %s\n", errorMessage(resp))
		os.Exit(1)
	}
	var start deviceStart
	if err := json.Unmarshal(resp, &start); err != nil {
		fmt.Fprintf(os.Stderr, "Bad server response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Open %s and enter the code:\n\n    %s\n\n", start.VerificationURI, start.UserCode)
	fmt.Println("Waiting for approval...")

	raw, err := pollForToken(server, &start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nApproved. Your API token (shown once, store it safely):")
	fmt.Printf("\n    %s\n\n", raw)
	fmt.Println("Export it for the other commands:")
	fmt.Printf("    export LATCHFLOW_TOKEN=%s\n", raw)
}

// pollForToken polls until approval, expiry or rejection. A SLOW_DOWN
// response stretches the wait by the server-advertised interval.
func pollForToken(server string, start *deviceStart) (string, error) {
	interval := time.Duration(start.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	wait := interval
	deadline := time.Now().Add(time.Duration(start.ExpiresIn) * time.Second)
	body, _ := json.Marshal(map[string]string{"device_code": start.DeviceCode})

	for time.Now().Before(deadline) {
		time.Sleep(wait)

		status, resp, err := doRequest(http.MethodPost, server+"/auth/cli/device/poll", body, "")
		if err != nil {
			return "", err
		}
		switch status {
		case http.StatusOK:
			var out struct {
				Token string `json:"access_token"`
			}
			if err := json.Unmarshal(resp, &out); err != nil || out.Token == "" {
				return "", fmt.Errorf("approval response carried no token")
			}
			return out.Token, nil
		case http.StatusAccepted:
			// Still pending.
		case http.StatusTooManyRequests:
			wait += interval
		default:
			return "", fmt.Errorf("%s", errorMessage(resp))
		}
	}
	return "", fmt.Errorf("device code expired before approval")
}

// ----------------------------------------------------------------
// tokens command
// ----------------------------------------------------------------

func cmdTokens(server, token string) {
	requireToken(token)

	status, resp, err := doRequest(http.MethodGet, server+"/auth/cli/tokens", nil, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Server refused: %s\n", errorMessage(resp))
		os.Exit(1)
	}

	var tokens []map[string]any
	if err := json.Unmarshal(resp, &tokens); err != nil {
		fmt.Fprintf(os.Stderr, "Bad server response: %v\n", err)
		os.Exit(1)
	}
	if len(tokens) == 0 {
		fmt.Println("No API tokens.")
		return
	}

	fmt.Printf("%-38s %-16s %-28s %s\n", "ID", "NAME", "SCOPES", "LAST USED")
	fmt.Println(strings.Repeat("-", 96))
	for _, t := range tokens {
		name, _ := t["name"].(string)
		if name == "" {
			name = "-"
		}
		lastUsed := "never"
		if s, ok := t["last_used_at"].(string); ok && s != "" {
			lastUsed = s
		}
		fmt.Printf("%-38v %-16s %-28s %s\n", t["id"], name, joinScopes(t["scopes"]), lastUsed)
	}
}

// ----------------------------------------------------------------
// whoami command
// ----------------------------------------------------------------

func cmdWhoami(server, token string) {
	requireToken(token)

	status, resp, err := doRequest(http.MethodGet, server+"/auth/cli/whoami", nil, token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Server refused: %s\n", errorMessage(resp))
		os.Exit(1)
	}

	var who map[string]any
	if err := json.Unmarshal(resp, &who); err != nil {
		fmt.Fprintf(os.Stderr, "Bad server response: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Email:  %v\nUser:   %v\nVia:    %v\n", who["email"], who["user_id"], who["via"])
	if t, ok := who["token"].(map[string]any); ok {
		fmt.Printf("Scopes: %s\n", joinScopes(t["scopes"]))
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func requireToken(token string) {
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: LATCHFLOW_TOKEN is not set (run lfcli login first)")
		os.Exit(1)
	}
}

func doRequest(method, url string, body []byte, token string) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, data, err
}

// errorMessage extracts the message from the server's error envelope,
// falling back to the raw body.
func errorMessage(body []byte) string {
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		if envelope.Code != "" {
			return envelope.Code + ": " + envelope.Message
		}
		return envelope.Message
	}
	return string(body)
}

func joinScopes(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(list))
	for _, s := range list {
		parts = append(parts, fmt.Sprint(s))
	}
	return strings.Join(parts, ",")
}
