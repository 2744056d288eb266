package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
)

var version = "dev"

// loadEnvFile reads ~/.docpipeline/env and sets any key=value pairs not
// already present in the process environment. pipelined writes its env
// file next to its database, so this file is pipelined's own only when the
// database lives in ~/.docpipeline.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.docpipeline/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("pipelinectl %s\n", version)
	case "submit":
		doSubmit(args)
	case "status":
		doStatus(args)
	case "health":
		doHealth()
	case "admin-token":
		doAdminToken()
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() { usageTo(os.Stderr) }

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `pipelinectl — CLI for the document pipeline API

Usage: pipelinectl <command> [arguments]

Environment:
  PIPELINE_URL          Base URL (default: http://localhost:8080)
  PIPELINE_ADMIN_TOKEN  Bearer token for admin endpoints

  ~/.docpipeline/env    Auto-sourced on startup; pipelined writes it when
                        its database lives in ~/.docpipeline.
                        Explicit environment variables take precedence.

Commands:
  submit <file.json>        Submit a document (POST /v1/documents)
  status <document-id>      Show a document's in-flight run status
  health                    Show provider health and readiness
  admin-token               Print the admin token (env or state file)
  version                   Print the CLI version
`)
}

func baseURL() string {
	if u := os.Getenv("PIPELINE_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func adminToken() string {
	return os.Getenv("PIPELINE_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func readJSON(resp *http.Response) map[string]any {
	data, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: pipelinectl %s\n", usage)
		os.Exit(1)
	}
}

func doSubmit(args []string) {
	requireArgs(args, 1, "submit <file.json>")
	data, err := os.ReadFile(args[0])
	fatal(err)

	resp, err := doRequest("POST", "/v1/documents", strings.NewReader(string(data)))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	body := readJSON(resp)
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "submit failed (%d): %v\n", resp.StatusCode, body["error"])
		os.Exit(1)
	}
	fmt.Printf("task_id: %v\n", body["task_id"])
}

func doStatus(args []string) {
	requireArgs(args, 1, "status <document-id>")
	resp, err := doRequest("GET", "/v1/documents/"+args[0], nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		fmt.Printf("no in-flight run for document %s (it may already be complete)\n", args[0])
		return
	}
	body := readJSON(resp)
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "status failed (%d): %v\n", resp.StatusCode, body["error"])
		os.Exit(1)
	}
	fmt.Printf("document_id:     %v\n", body["document_id"])
	fmt.Printf("model_id:        %v\n", body["model_id"])
	fmt.Printf("router_reason:   %v\n", body["router_reason"])
	fmt.Printf("batch_events:    %v\n", body["batch_events"])
	fmt.Printf("fallback_events: %v\n", body["fallback_events"])
}

func doHealth() {
	resp, err := doRequest("GET", "/healthz", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	body := readJSON(resp)
	fmt.Printf("status: %v\n", body["status"])

	admResp, err := doRequest("GET", "/admin/health", nil)
	if err != nil {
		return
	}
	defer func() { _ = admResp.Body.Close() }()
	if admResp.StatusCode == http.StatusUnauthorized {
		return
	}
	data, _ := io.ReadAll(admResp.Body)
	var stats []map[string]any
	_ = json.Unmarshal(data, &stats)
	if len(stats) == 0 {
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tCONSEC_ERR\tLAST_ERROR")
	for _, s := range stats {
		lastErr, _ := s["last_error"].(string)
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%v\t%v\t%v\t%s\n", s["provider_id"], s["state"], s["consec_errors"], lastErr)
	}
	_ = tw.Flush()
}

func doAdminToken() {
	if tok := os.Getenv("PIPELINE_ADMIN_TOKEN"); tok != "" {
		fmt.Println(tok)
		return
	}
	home, _ := os.UserHomeDir()
	if home != "" {
		if data, err := os.ReadFile(home + "/.docpipeline/env"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok && k == "PIPELINE_ADMIN_TOKEN" {
					fmt.Println(strings.TrimSpace(v))
					return
				}
			}
		}
	}
	fmt.Fprintln(os.Stderr, "admin token not found — set PIPELINE_ADMIN_TOKEN or ensure the service is running")
	os.Exit(1)
}
