package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// workflowFile is a definition file: either a bare definition or a
// document carrying one under "definition".
type workflowFile struct {
	ID         string
	Name       string
	Definition schema.WorkflowDefinition
}

// loadWorkflowFile reads a JSON or YAML workflow file. YAML is chosen by
// the .yaml/.yml extension.
func loadWorkflowFile(path string) (*workflowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	var doc struct {
		ID         string                     `json:"id"`
		Name       string                     `json:"name"`
		Definition *schema.WorkflowDefinition `json:"definition"`
		Nodes      []schema.Node              `json:"nodes"`
		Edges      []schema.Edge              `json:"edges"`
		Metadata   map[string]any             `json:"metadata"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	wf := &workflowFile{ID: doc.ID, Name: doc.Name}
	switch {
	case doc.Definition != nil:
		wf.Definition = *doc.Definition
	case len(doc.Nodes) > 0:
		wf.Definition = schema.WorkflowDefinition{Nodes: doc.Nodes, Edges: doc.Edges, Metadata: doc.Metadata}
	default:
		return nil, fmt.Errorf("%s: no nodes found", path)
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return wf, nil
}

// yamlToJSON re-encodes a YAML document so node configs keep their raw
// JSON form.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// parseInput accepts inline JSON or @path to a JSON file.
func parseInput(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}

func runFile(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	inputFlag := fs.String("input", "", "trigger input as JSON, or @file.json")
	dbPath := fs.String("db-path", "", "database path (overrides config)")
	timeout := fs.Duration("timeout", 0, "abort the run after this long (0 waits forever)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: flowpilot run [flags] <workflow.json|yaml>")
	}

	wf, err := loadWorkflowFile(fs.Arg(0))
	if err != nil {
		return err
	}
	input, err := parseInput(*inputFlag)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	logger := newLogger(cfg, new(slog.LevelVar))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	res, runErr := a.executor.Run(ctx, &wf.Definition, wf.ID, input)

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		logger.Warn("close", "error", err)
	}
	if runErr != nil {
		if issues := validation.Issues(runErr); len(issues) > 0 {
			printIssues(out, issues)
		}
		return runErr
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	switch res.Status {
	case schema.ExecutionFailed:
		return fmt.Errorf("execution %s failed: %s", res.ExecutionID, res.Error)
	case schema.ExecutionPendingApproval:
		fmt.Fprintf(out, "Execution %s is waiting for approval; decide with POST /api/executions/%s/approve or /reject.\n",
			res.ExecutionID, res.ExecutionID)
	}
	return nil
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: flowpilot validate <workflow.json|yaml>...")
	}

	validator, err := validation.NewWorkflowValidator(expressions.NewEvaluator())
	if err != nil {
		return err
	}
	failed := 0
	for _, path := range fs.Args() {
		wf, err := loadWorkflowFile(path)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			failed++
			continue
		}
		result := validator.Validate(&wf.Definition)
		if !result.Valid() {
			failed++
			fmt.Fprintf(out, "%s: invalid\n", path)
		} else {
			fmt.Fprintf(out, "%s: ok\n", path)
		}
		printIssues(out, append(result.Errors, result.Warnings...))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, fs.NArg())
	}
	return nil
}

func printIssues(out io.Writer, issues []schema.ValidationIssue) {
	for _, is := range issues {
		fmt.Fprintf(out, "  %s %s [%s] %s\n", is.Severity, is.Path, is.Code, is.Message)
	}
}
