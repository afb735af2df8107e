// msyncctl drives a running msyncd over its HTTP API.
//
// Usage:
//
//	msyncctl [-addr host:port] add -name NAME [-owner ID] [-proxy URL] [-session FILE]
//	msyncctl [-addr host:port] list [-status STATUS]
//	msyncctl [-addr host:port] status ACCOUNT_ID
//	msyncctl [-addr host:port] activate ACCOUNT_ID
//	msyncctl [-addr host:port] refresh ACCOUNT_ID
//	msyncctl [-addr host:port] sync ACCOUNT_ID [CHAT_URL ...]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8470", "msyncd http address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	c := &client{base: "http://" + *addr, http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch args[0] {
	case "add":
		err = c.add(args[1:])
	case "list":
		err = c.list(args[1:])
	case "status":
		err = c.status(args[1:])
	case "activate":
		err = c.job(args[1:], "activate", nil)
	case "refresh":
		err = c.job(args[1:], "refresh", nil)
	case "sync":
		err = c.sync(args[1:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "msyncctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: msyncctl [-addr host:port] add|list|status|activate|refresh|sync ...")
	os.Exit(2)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) add(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	name := fs.String("name", "", "account display name (required)")
	owner := fs.String("owner", "", "owner id")
	proxy := fs.String("proxy", "", "proxy url")
	sessionFile := fs.String("session", "", "file with an exported browser session")
	_ = fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("-name is required")
	}
	body := map[string]string{"name": *name, "owner_id": *owner, "proxy_url": *proxy}
	if *sessionFile != "" {
		blob, err := os.ReadFile(*sessionFile)
		if err != nil {
			return err
		}
		body["session_blob"] = string(blob)
	}
	return c.do(http.MethodPost, "/api/accounts/", body)
}

func (c *client) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by login status")
	_ = fs.Parse(args)

	path := "/api/accounts/"
	if *status != "" {
		path += "?status=" + *status
	}
	return c.do(http.MethodGet, path, nil)
}

func (c *client) status(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("status needs exactly one account id")
	}
	return c.do(http.MethodGet, "/api/accounts/"+args[0]+"/", nil)
}

func (c *client) job(args []string, action string, body any) error {
	if len(args) < 1 {
		return fmt.Errorf("%s needs an account id", action)
	}
	return c.do(http.MethodPost, "/api/accounts/"+args[0]+"/"+action, body)
}

func (c *client) sync(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("sync needs an account id")
	}
	var body any
	if len(args) > 1 {
		body = map[string][]string{"chat_urls": args[1:]}
	}
	return c.job(args[:1], "sync", body)
}

func (c *client) do(method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
