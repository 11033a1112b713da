package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/webrelay/internal/daemon"
	"github.com/msageha/webrelay/internal/model"
	"github.com/msageha/webrelay/internal/prompt"
	"github.com/msageha/webrelay/internal/security"
	"github.com/msageha/webrelay/internal/setup"
	"github.com/msageha/webrelay/internal/status"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "call":
		runCall(os.Args[2:])
	case "render":
		runRender(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("webrelay %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "usage: webrelay serve")
		os.Exit(1)
	}
	projectDir, cfg := mustProject()

	d, err := daemon.New(projectDir, cfg, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	var dir string
	var opts setup.Options
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--backend", "--addr", "--in", "--out":
			if i+1 >= len(args) {
				fmt.Fprintf(os.Stderr, "%s requires a value\n", args[i])
				os.Exit(1)
			}
			val := args[i+1]
			switch args[i] {
			case "--backend":
				opts.Backend = val
			case "--addr":
				opts.Addr = val
			case "--in":
				opts.InDir = val
			case "--out":
				opts.OutDir = val
			}
			i++
		default:
			if strings.HasPrefix(args[i], "--") || dir != "" {
				fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", args[i])
				os.Exit(1)
			}
			dir = args[i]
		}
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "usage: webrelay setup <project_dir> [--backend browser|terminal] [--addr host:port] [--in dir] [--out dir]")
		os.Exit(1)
	}
	if err := setup.Run(dir, opts); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s/ in %s\n", daemon.WorkspaceDir, absDir)
}

// runSubmit posts a job document to the running engine and prints its result.
// A document without job_id gets a generated one.
func runSubmit(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: webrelay submit <job.json|->")
		os.Exit(1)
	}
	data, err := readInput(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read job: %v\n", err)
		os.Exit(1)
	}
	data, id, err := model.EnsureJobID(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assign job id: %v\n", err)
		os.Exit(1)
	}
	if _, err := model.DecodeJob(data, time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "invalid job: %v\n", err)
		os.Exit(1)
	}
	_, cfg := mustProject()
	fmt.Fprintf(os.Stderr, "job_id: %s\n", id)
	os.Exit(post(cfg, "/api/job/submit", data))
}

func runCall(args []string) {
	var promptText, session string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--session requires a value")
				os.Exit(1)
			}
			session = args[i+1]
			i++
		default:
			if promptText != "" {
				promptText += " "
			}
			promptText += args[i]
		}
	}
	if promptText == "" {
		fmt.Fprintln(os.Stderr, "usage: webrelay call <prompt...> [--session id]")
		os.Exit(1)
	}
	body, err := json.Marshal(map[string]string{"prompt": promptText, "session_id": session})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		os.Exit(1)
	}
	_, cfg := mustProject()
	os.Exit(post(cfg, "/api/llm/call", body))
}

// runRender prints the prompt a job would be sent as, without sending it.
func runRender(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: webrelay render <job.json|->")
		os.Exit(1)
	}
	data, err := readInput(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "read job: %v\n", err)
		os.Exit(1)
	}
	job, err := model.DecodeJob(data, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid job: %v\n", err)
		os.Exit(1)
	}
	cfg := model.DefaultConfig()
	if dir := findWorkspaceDir(); dir != "" {
		if loaded, err := model.LoadConfig(dir); err == nil {
			cfg = loaded
		}
	}
	b := prompt.New(cfg.Parser.Sentinel, cfg.Parser.MaxFollowupJobs)
	fmt.Println(b.Build(job))
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: webrelay status [--json]\n", a)
			os.Exit(1)
		}
	}

	projectDir, cfg := mustProject()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report := status.Collect(ctx, status.Options{
		LockPath: daemon.LockPath(projectDir),
		BaseURL:  baseURL(cfg.Server.Addr),
		InDir:    projectPath(projectDir, cfg.Watcher.InDir),
		OutDir:   projectPath(projectDir, cfg.Watcher.OutDir),
	})
	if err := status.Print(os.Stdout, report, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

// post sends body to the engine, signing it when a secret is configured, and
// prints the response. It returns the process exit code.
func post(cfg model.Config, path string, body []byte) int {
	req, err := http.NewRequest(http.MethodPost, baseURL(cfg.Server.Addr)+path, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Server.HMACSecret != "" {
		ts := time.Now().Unix()
		req.Header.Set(security.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(security.HeaderSignature, security.Sign(cfg.Server.HMACSecret, ts, body))
	}

	client := &http.Client{Timeout: cfg.Backend.Timeout() + 30*time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		return 1
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") == nil {
		out = pretty.Bytes()
	}
	fmt.Println(strings.TrimSpace(string(out)))

	var res struct {
		OK bool `json:"ok"`
	}
	if resp.StatusCode != http.StatusOK || json.Unmarshal(out, &res) != nil || !res.OK {
		return 2
	}
	return 0
}

func readInput(arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(arg)
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func projectPath(projectDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(projectDir, p)
}

// mustProject locates the project and loads its config or exits.
func mustProject() (string, model.Config) {
	dir := findWorkspaceDir()
	if dir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'webrelay setup <dir>' first.\n", daemon.WorkspaceDir)
		os.Exit(1)
	}
	cfg, err := model.LoadConfig(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return filepath.Dir(dir), cfg
}

// findWorkspaceDir searches for .webrelay/ in the current directory and ancestors.
func findWorkspaceDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, daemon.WorkspaceDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `webrelay %s - relay jobs to a chat UI or terminal agent

Usage: webrelay <command> [options]

Engine:
  setup <dir> [flags]   Initialize .webrelay/ and the drop directories
  serve                 Run the engine (HTTP API + file watcher)
  status [--json]       Show engine status and unanswered job files

Clients:
  call <prompt...>      Send one prompt through /api/llm/call
  submit <job.json|->   Submit a job document through /api/job/submit
  render <job.json|->   Print the prompt a job would send

Utilities:
  version               Show version
  help                  Show this help

`, version)
}
