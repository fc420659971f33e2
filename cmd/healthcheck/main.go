// Command healthcheck checks the local control server. It is the container
// HEALTHCHECK of the scratch image, which has no shell or curl.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/openomy/issue-analysis/internal/config"
	"github.com/openomy/issue-analysis/internal/controlclient"
)

const defaultAddr = "127.0.0.1:8080"

func main() {
	os.Exit(check(os.Getenv(config.EnvPrefix + "_LISTEN_ADDR")))
}

func check(listenAddr string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := controlclient.New("http://"+loopbackAddr(listenAddr), &http.Client{Timeout: 2 * time.Second})
	if err := client.Health(ctx); err != nil {
		return 1
	}
	return 0
}

// loopbackAddr rewrites a bind-all listen address to loopback; the check runs
// inside the same container as the server.
func loopbackAddr(raw string) string {
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return defaultAddr
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, port)
}
