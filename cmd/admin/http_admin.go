package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/sync/stats"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func syncCmd(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	identity := fs.String("identity", "", "identity to sync (required)")
	full := fs.Bool("full", false, "ignore the last sync time and resend everything")
	wait := fs.Bool("wait", true, "wait for the run to finish")
	_ = fs.Parse(args)

	if strings.TrimSpace(*identity) == "" {
		fmt.Fprintln(os.Stderr, "missing -identity")
		os.Exit(2)
	}
	q := url.Values{}
	q.Set("identity", strings.TrimSpace(*identity))
	q.Set("full", strconv.FormatBool(*full))
	q.Set("wait", strconv.FormatBool(*wait))
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/sync?" + q.Encode()

	req, _ := http.NewRequest(http.MethodPost, u, nil)
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
