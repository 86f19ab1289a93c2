package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	req, _ := http.NewRequest(http.MethodGet, u, nil)
	do(req)
}

// pinCmd pins or unpins an entity on every link of a running server.
func pinCmd(args []string, pin bool) {
	fs := flag.NewFlagSet("pin", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	id := fs.String("id", "", "entity id (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(os.Stderr, "missing -id")
		os.Exit(2)
	}
	method := http.MethodPost
	if !pin {
		method = http.MethodDelete
	}
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/pin?id=" + url.QueryEscape(*id)
	req, _ := http.NewRequest(method, u, nil)
	do(req)
}

func do(req *http.Request) {
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if len(b) > 0 {
		fmt.Println(string(b))
	}
	if resp.StatusCode/100 != 2 {
		fmt.Fprintln(os.Stderr, "status:", resp.Status)
		os.Exit(1)
	}
}
