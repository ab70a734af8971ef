// Command lars runs cascade documents: DAGs of LLM cells, deterministic
// tools and human checkpoints, with full-fidelity logging and post-hoc
// analytics.
//
// Usage:
//
//	lars run reconcile --input '{"month": "2026-03"}' --config lars.yaml
//	lars index ./docs --recursive --query "refund policy"
//	lars validate ./cascades
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/rvbbit/lars/pkg/config"
	"github.com/rvbbit/lars/pkg/echo"
	"github.com/rvbbit/lars/pkg/rag"
	"github.com/rvbbit/lars/pkg/runner"
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run a cascade to completion."`
	Index    IndexCmd    `cmd:"" help:"Build (and optionally query) a persistent directory index."`
	Validate ValidateCmd `cmd:"" help:"Validate cascade documents."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config   string `short:"c" help:"Path to engine config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	Quiet    bool   `short:"q" help:"Suppress lifecycle narration."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("lars %s\n", version)
	return nil
}

// RunCmd executes one cascade, answering checkpoints on stdin.
type RunCmd struct {
	Cascade string `arg:"" help:"Cascade id, or path to a cascade file."`
	Input   string `short:"i" help:"Input JSON object." default:"{}"`

	CascadeDir     string `help:"Directory of cascade documents (overrides config)." type:"path"`
	Watch          bool   `help:"Reload cascade documents on change while running."`
	NonInteractive bool   `help:"Print the checkpoint and exit instead of prompting."`
	MetricsAddr    string `help:"Serve prometheus metrics on this address (e.g. :9090)." placeholder:"ADDR"`
	Trace          bool   `help:"Emit trace spans to stdout."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := newEngine(ctx, cli, engineOptions{
		CascadeDir:  c.CascadeDir,
		MetricsAddr: c.MetricsAddr,
		Trace:       c.Trace,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	cascadeID, err := c.resolveCascade(eng)
	if err != nil {
		return err
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(c.Input), &input); err != nil {
		return fmt.Errorf("--input must be a JSON object: %w", err)
	}

	if !c.NonInteractive {
		eng.runner.HumanInput = promptHuman
	}
	if c.Watch && eng.cascadeDir != "" {
		go func() {
			if err := eng.cascades.Watch(ctx, eng.cascadeDir); err != nil && ctx.Err() == nil {
				slog.Error("Cascade watch error", "error", err)
			}
		}()
	}

	outcome, err := eng.runner.Run(ctx, cascadeID, input)
	if err != nil {
		return err
	}

	// Checkpoints suspend the dispatch loop; in interactive mode the CLI
	// answers them here and re-enters the session.
	for outcome.Status == runner.StatusSuspended && !c.NonInteractive {
		response, err := promptHuman(ctx, outcome.Checkpoint)
		if err != nil {
			return err
		}
		outcome, err = eng.runner.Resume(ctx, outcome.ResumeToken, response)
		if err != nil {
			return err
		}
	}

	switch outcome.Status {
	case runner.StatusSuspended:
		fmt.Fprintln(os.Stderr, "Session suspended waiting on a human:")
		printJSON(map[string]any{
			"session_id":   outcome.SessionID,
			"resume_token": outcome.ResumeToken,
			"checkpoint":   outcome.Checkpoint,
		})
		return nil
	case runner.StatusCompleted:
		printJSON(outcome.Output)
		return nil
	default:
		return fmt.Errorf("session %s failed", outcome.SessionID)
	}
}

// resolveCascade accepts either a loaded cascade id or a document path.
func (c *RunCmd) resolveCascade(eng *engine) (string, error) {
	ext := strings.ToLower(filepath.Ext(c.Cascade))
	if ext == ".yaml" || ext == ".yml" {
		cascade, err := config.LoadCascadeFile(c.Cascade)
		if err != nil {
			return "", err
		}
		if err := eng.runner.Register(cascade); err != nil {
			return "", err
		}
		return cascade.CascadeID, nil
	}
	if _, ok := eng.cascades.Get(c.Cascade); !ok {
		return "", fmt.Errorf("unknown cascade '%s' (loaded: %v)", c.Cascade, eng.cascades.Names())
	}
	return c.Cascade, nil
}

// promptHuman renders a checkpoint on the terminal and reads one answer.
// A JSON object is passed through verbatim; a bare line is wrapped in
// the field the checkpoint kind expects.
func promptHuman(ctx context.Context, cp *echo.Checkpoint) (map[string]any, error) {
	fmt.Fprintf(os.Stderr, "\n--- checkpoint (%s) at %s ---\n", cp.Kind, cp.Cell)
	if cp.Prompt != "" {
		fmt.Fprintln(os.Stderr, cp.Prompt)
	}
	if len(cp.Payload) > 0 {
		data, _ := json.MarshalIndent(cp.Payload, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
	}
	fmt.Fprint(os.Stderr, "> ")

	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}
		lineCh <- strings.TrimSpace(line)
	}()

	var line string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, fmt.Errorf("failed to read checkpoint response: %w", err)
	case line = <-lineCh:
	}

	if strings.HasPrefix(line, "{") {
		var response map[string]any
		if err := json.Unmarshal([]byte(line), &response); err != nil {
			return nil, fmt.Errorf("checkpoint response is not valid JSON: %w", err)
		}
		return response, nil
	}

	switch cp.Kind {
	case echo.CheckpointDecision:
		return map[string]any{"choice": line}, nil
	case echo.CheckpointHumanEval:
		winner, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("candidate evaluation expects a winner index: %w", err)
		}
		return map[string]any{"winner": winner}, nil
	default:
		return map[string]any{"feedback": line}, nil
	}
}

// IndexCmd builds a persistent directory index incrementally.
type IndexCmd struct {
	Directory string   `arg:"" help:"Directory to index." type:"path"`
	Recursive bool     `short:"r" help:"Recurse into subdirectories."`
	Include   []string `help:"Glob patterns to include (doublestar syntax)."`
	Exclude   []string `help:"Glob patterns to exclude."`

	ChunkSize    int `help:"Chunk size in characters (0 = config default)."`
	ChunkOverlap int `help:"Chunk overlap in characters."`

	Query string `help:"Query the index after building."`
	TopK  int    `help:"Results to return for --query." default:"5"`
	Smart bool   `help:"Rerank query results with the default model."`
}

func (c *IndexCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := newEngine(ctx, cli, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	if eng.embedder == nil {
		return fmt.Errorf("indexing requires an embedder in the config")
	}

	spec := rag.IndexSpec{
		Directory:    c.Directory,
		Recursive:    c.Recursive,
		Include:      c.Include,
		Exclude:      c.Exclude,
		ChunkSize:    chooseInt(c.ChunkSize, eng.cfg.RAG.ChunkSize),
		ChunkOverlap: chooseInt(c.ChunkOverlap, eng.cfg.RAG.ChunkOverlap),
	}
	index, err := rag.NewIndex(spec, eng.embedder, eng.vectors, eng.store)
	if err != nil {
		return err
	}
	if c.Smart {
		reranker, err := eng.models.Resolve(eng.cfg.DefaultModel)
		if err != nil {
			return err
		}
		index.Reranker = reranker
	}

	stats, err := index.Build(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Index %s: %d indexed, %d reused, %d removed, %d new chunks\n",
		index.RagID(), stats.Indexed, stats.Reused, stats.Removed, stats.NewChunks)

	if c.Query == "" {
		return nil
	}
	hits, err := index.Query(ctx, c.Query, c.TopK, c.Smart)
	if err != nil {
		return err
	}
	for _, hit := range hits {
		fmt.Printf("%.3f  %s:%s\n      %s\n", hit.Score, hit.Source, hit.Line, oneLine(hit.Snippet))
	}
	return nil
}

// ValidateCmd checks cascade documents without running anything.
type ValidateCmd struct {
	Path string `arg:"" help:"Cascade file or directory." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	paths, err := cascadeFiles(c.Path)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no cascade documents under %s", c.Path)
	}

	failed := 0
	for _, path := range paths {
		cascade, err := config.LoadCascadeFile(path)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", path, err)
			continue
		}
		fmt.Printf("ok    %s (%s, %d cells)\n", path, cascade.CascadeID, len(cascade.Cells))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents invalid", failed, len(paths))
	}
	return nil
}

func cascadeFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		paths = append(paths, filepath.Join(path, entry.Name()))
	}
	return paths, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 160 {
		s = s[:160] + "..."
	}
	return s
}

func chooseInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func initLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("lars"),
		kong.Description("lars - cascade workflow engine"),
		kong.UsageOnError(),
	)

	if err := initLogger(cli.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
