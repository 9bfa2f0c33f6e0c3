// Command healthcheck probes the relay's HTTP server for container health
// checks. It exits non-zero unless the endpoint answers 200.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	path := flag.String("path", "/healthz", "endpoint to probe (/healthz or /readyz)")
	flag.Parse()

	url := target(os.Getenv("HTTP_ADDR"), *path)
	if err := check(context.Background(), &http.Client{Timeout: 3 * time.Second}, url); err != nil {
		log.Printf("healthcheck %s: %v", url, err)
		os.Exit(1)
	}
}

// target builds the probe URL from a listen address such as ":8080" or
// "0.0.0.0:9000".
func target(addr, path string) string {
	if addr == "" {
		addr = ":8080"
	}
	host, port, ok := strings.Cut(addr, ":")
	if !ok {
		host, port = "", addr
	}
	if host == "" || host == "0.0.0.0" || host == "[::]" {
		host = "localhost"
	}
	return "http://" + host + ":" + port + path
}

func check(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
