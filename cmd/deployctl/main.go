package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/lightfold/deployd/internal/health"
	"github.com/lightfold/deployd/internal/supervisor"
	"github.com/lightfold/deployd/pkg/config"
	"github.com/lightfold/deployd/pkg/logger"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	AdminToken string `json:"admin_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "start":
		err = commandStart(args)
	case "status":
		err = commandStatus(args)
	case "stop":
		err = commandStop(args)
	case "cleanup":
		err = commandCleanup(args)
	case "project":
		err = commandProject(args)
	case "watch":
		err = commandWatch(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commandStart runs the supervised service in the foreground. Everything
// after "--" (or the remaining args) is the child command line; the default
// is the deployd binary from PATH.
func commandStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	fs.Parse(args)

	command := fs.Args()
	if len(command) == 0 {
		command = []string{"deployd"}
	}

	cfg := config.LoadServiceConfig()
	log := logger.New("deployctl", logger.ParseLevel(cfg.LogLevel))

	sup, err := supervisor.New(command, cfg.Supervisor, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, supervisor.ErrRestartsExhausted) {
			return fmt.Errorf("giving up: %w", err)
		}
		return err
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	pidFile := fs.String("pid-file", "", "Path to the supervisor PID file")
	fs.Parse(args)

	record, err := readPIDRecord(*pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("supervisor: not running")
			return nil
		}
		return err
	}

	supervisorAlive := supervisor.Alive(record.SupervisorPID)
	childAlive := record.ChildPID > 0 && supervisor.Alive(record.ChildPID)
	fmt.Printf("supervisor pid=%d alive=%t\n", record.SupervisorPID, supervisorAlive)
	fmt.Printf("child pid=%d alive=%t\n", record.ChildPID, childAlive)
	fmt.Printf("command: %s\n", strings.Join(record.Command, " "))
	fmt.Printf("started: %s\n", record.StartedAt.Format(time.RFC3339))
	return nil
}

func commandStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	pidFile := fs.String("pid-file", "", "Path to the supervisor PID file")
	fs.Parse(args)

	record, err := readPIDRecord(*pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("supervisor is not running")
		}
		return err
	}
	if !supervisor.Alive(record.SupervisorPID) {
		return fmt.Errorf("supervisor pid %d is not alive; run 'deployctl cleanup' to remove the stale record", record.SupervisorPID)
	}
	if err := syscall.Kill(record.SupervisorPID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal supervisor: %w", err)
	}
	fmt.Printf("sent SIGTERM to supervisor pid %d\n", record.SupervisorPID)
	return nil
}

func commandCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	pidFile := fs.String("pid-file", "", "Path to the supervisor PID file")
	force := fs.Bool("force", false, "Remove the record even if the supervisor is alive")
	fs.Parse(args)

	path := *pidFile
	if path == "" {
		path = config.LoadServiceConfig().Supervisor.PIDFile
	}
	if err := supervisor.Cleanup(path, *force); err != nil {
		return err
	}
	fmt.Println("cleanup complete")
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: deployctl project [list|add|set-secret]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return projectList(args[1:])
	case "add":
		return projectAdd(args[1:])
	case "set-secret":
		return projectSetSecret(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", sub)
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var projects []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Repository    string `json:"repository"`
		ProductionURL string `json:"production_url"`
		MainBranch    string `json:"main_branch"`
	}
	if err := apiRequest(cfg, http.MethodGet, "/projects", nil, &projects); err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Repository, p.MainBranch, p.ProductionURL)
	}
	return nil
}

func projectAdd(args []string) error {
	fs := flag.NewFlagSet("project add", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	repo := fs.String("repo", "", "Repository full name (owner/name)")
	prodURL := fs.String("production-url", "", "Production base URL")
	stagingURL := fs.String("staging-url", "", "Staging base URL (optional)")
	branch := fs.String("branch", "main", "Branch that triggers deployments")
	deployPath := fs.String("path", "", "Working directory for deployment commands")
	prodCmd := fs.String("production-cmd", "", "Production deployment command")
	stagingCmd := fs.String("staging-cmd", "", "Staging deployment command (optional)")
	backupCmd := fs.String("backup-cmd", "", "Backup command (optional)")
	rollbackCmd := fs.String("rollback-cmd", "", "Rollback command (optional)")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}
	if strings.TrimSpace(*prodURL) == "" {
		return errors.New("--production-url is required")
	}
	if strings.TrimSpace(*prodCmd) == "" {
		return errors.New("--production-cmd is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	payload := map[string]string{
		"name":               *name,
		"repository":         *repo,
		"production_url":     *prodURL,
		"staging_url":        *stagingURL,
		"main_branch":        *branch,
		"deploy_path":        *deployPath,
		"production_command": *prodCmd,
		"staging_command":    *stagingCmd,
		"backup_command":     *backupCmd,
		"rollback_command":   *rollbackCmd,
	}
	var created struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := apiRequest(cfg, http.MethodPost, "/projects", payload, &created); err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", created.ID, created.Name)
	return nil
}

func projectSetSecret(args []string) error {
	fs := flag.NewFlagSet("project set-secret", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	secret := fs.String("secret", "", "Webhook secret (supply to avoid prompt)")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	value := strings.TrimSpace(*secret)
	if value == "" {
		fmt.Print("Webhook secret: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		value = strings.TrimSpace(string(raw))
	}
	if value == "" {
		return errors.New("secret must not be empty")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/projects/%s/secret", *projectID)
	if err := apiRequest(cfg, http.MethodPost, path, map[string]string{"secret": value}, nil); err != nil {
		return err
	}
	fmt.Println("webhook secret stored")
	return nil
}

// commandWatch observes a deployed service for a window and reports whether
// it stayed healthy.
func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	url := fs.String("url", "", "Base URL to watch")
	endpoints := fs.String("endpoints", "/", "Comma-separated endpoint paths")
	duration := fs.Duration("duration", 5*time.Minute, "Watch window")
	interval := fs.Duration("interval", 10*time.Second, "Check interval")
	failureLimit := fs.Int("failure-limit", 3, "Consecutive failures that abort the watch")
	successRate := fs.Float64("success-rate", 90, "Minimum overall success percentage")
	fs.Parse(args)

	if strings.TrimSpace(*url) == "" {
		return errors.New("--url is required")
	}
	var paths []string
	for _, p := range strings.Split(*endpoints, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}

	cfg := config.LoadServiceConfig()
	log := logger.New("deployctl", logger.ParseLevel(cfg.LogLevel))
	monitor := health.New(cfg.Pipeline.HealthCheckTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result := monitor.Watch(ctx, *url, paths, health.WatchOptions{
		Duration:                *duration,
		Interval:                *interval,
		ConsecutiveFailureLimit: *failureLimit,
		SuccessRate:             *successRate,
	})
	for i, check := range result.Checks {
		fmt.Printf("pass %d: healthy=%d/%d (%.1f%%)\n", i+1, check.HealthyCount, check.TotalCount, check.Percentage)
	}
	if !result.Success {
		return fmt.Errorf("watch failed: %s (success rate %.1f%%)", result.Reason, result.SuccessRate)
	}
	fmt.Printf("healthy: success rate %.1f%%\n", result.SuccessRate)
	return nil
}

func readPIDRecord(override string) (supervisor.PIDRecord, error) {
	path := override
	if path == "" {
		path = config.LoadServiceConfig().Supervisor.PIDFile
	}
	return supervisor.ReadPIDRecord(path)
}

func apiRequest(cfg cliConfig, method, path string, payload any, out any) error {
	token := strings.TrimSpace(cfg.AdminToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("ADMIN_TOKEN"))
	}
	if token == "" {
		return errors.New("admin token not configured; set admin_token in the config file or ADMIN_TOKEN in the environment")
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cfg.APIBaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Admin-Token", token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("api error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("api error: status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4400"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4400"
	}
	return cfg, nil
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "deployctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("deployctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	deployctl start [-- command args...]       run the service under supervision
	deployctl status [--pid-file path]         report supervisor and child state
	deployctl stop [--pid-file path]           signal the supervisor to shut down
	deployctl cleanup [--pid-file path] [--force]
	deployctl project list
	deployctl project add --name <name> --repo <owner/name> --production-url <url> --production-cmd <cmd> [options]
	deployctl project set-secret --project <id> [--secret value]
	deployctl watch --url <base-url> [--endpoints /,/health] [--duration 5m] [--interval 10s]
	deployctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
