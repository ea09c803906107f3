// Package main is a smoke-test utility that checks a deployed activity log
// server answers its probes and, when PAM_TOKEN is set, an authenticated read.
// It prints each status code and response body and exits non-zero on the
// first failure, which makes it usable as a post-deployment check.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("PAM_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 10 * time.Second}

	paths := []string{"/health", "/ready"}
	token := os.Getenv("PAM_TOKEN")
	if token != "" {
		paths = append(paths, "/api/v1/activity-logs/me?per_page=5")
	}

	for _, p := range paths {
		req, err := http.NewRequest(http.MethodGet, base+p, nil)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := client.Do(req)
		if err != nil {
			fmt.Printf("GET %s: %v\n", p, err)
			os.Exit(1)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			fmt.Printf("Error reading body: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("GET %s -> %d\n%s\n", p, resp.StatusCode, string(body))
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
	}
}
