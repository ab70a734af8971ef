package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Interpreter executes inline code of one language in a subprocess,
// passing bindings in through a JSON file and reading the result back
// from another.
type Interpreter struct {
	Language string
	Timeout  time.Duration
}

// DefaultCodeTimeout bounds inline code execution when no cell-level
// timeout is set.
const DefaultCodeTimeout = 60 * time.Second

func NewInterpreter(language string, timeout time.Duration) (*Interpreter, error) {
	switch language {
	case "python", "javascript", "clojure", "bash":
	default:
		return nil, fmt.Errorf("unsupported code language '%s'", language)
	}
	if timeout == 0 {
		timeout = DefaultCodeTimeout
	}
	return &Interpreter{Language: language, Timeout: timeout}, nil
}

type codeResult struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Run executes the code with the given bindings and returns the value it
// assigned to result (the last expression for clojure, stdout for bash).
func (i *Interpreter) Run(ctx context.Context, code string, bindings map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, i.Timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "lars-code-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	bindingsPath := filepath.Join(dir, "bindings.json")
	outPath := filepath.Join(dir, "result.json")
	data, err := json.Marshal(bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bindings: %w", err)
	}
	if err := os.WriteFile(bindingsPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write bindings: %w", err)
	}

	var cmd *exec.Cmd
	switch i.Language {
	case "python":
		scriptPath := filepath.Join(dir, "cell.py")
		if err := os.WriteFile(scriptPath, []byte(pythonHarness(code)), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write script: %w", err)
		}
		cmd = exec.CommandContext(ctx, "python3", scriptPath, bindingsPath, outPath)
	case "javascript":
		scriptPath := filepath.Join(dir, "cell.js")
		if err := os.WriteFile(scriptPath, []byte(javascriptHarness(code)), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write script: %w", err)
		}
		cmd = exec.CommandContext(ctx, "node", scriptPath, bindingsPath, outPath)
	case "clojure":
		scriptPath := filepath.Join(dir, "cell.clj")
		if err := os.WriteFile(scriptPath, []byte(clojureHarness(code)), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write script: %w", err)
		}
		cmd = exec.CommandContext(ctx, "bb", scriptPath, bindingsPath, outPath)
	case "bash":
		cmd = exec.CommandContext(ctx, "bash", "-c", code)
		cmd.Env = append(os.Environ(), bashEnv(bindings)...)
	default:
		return nil, fmt.Errorf("unsupported code language '%s'", i.Language)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%s code timed out after %s", i.Language, i.Timeout)
	}
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("%s code failed: %w: %s", i.Language, runErr, detail)
	}

	if i.Language == "bash" {
		return strings.TrimRight(stdout.String(), "\n"), nil
	}

	outData, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("%s code produced no result: %w", i.Language, err)
	}
	var parsed codeResult
	if err := json.Unmarshal(outData, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse %s result: %w", i.Language, err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("%s code failed: %s", i.Language, parsed.Error)
	}
	return parsed.Result, nil
}

// pythonHarness loads bindings into module globals, runs the user code,
// and persists whatever it assigned to result.
func pythonHarness(code string) string {
	return `import json, sys, traceback

with open(sys.argv[1]) as _f:
    globals().update(json.load(_f))

result = None
_error = None
try:
` + indent(code, "    ") + `
except Exception:
    _error = traceback.format_exc()

with open(sys.argv[2], "w") as _f:
    json.dump({"result": result, "error": _error or ""}, _f, default=str)
`
}

func javascriptHarness(code string) string {
	return `const fs = require("fs");
const _bindings = JSON.parse(fs.readFileSync(process.argv[2], "utf8"));
for (const [k, v] of Object.entries(_bindings)) globalThis[k] = v;

let result = null;
let _error = "";
try {
` + indent(code, "  ") + `
} catch (e) {
  _error = String(e.stack || e);
}

fs.writeFileSync(process.argv[3], JSON.stringify({ result, error: _error }));
`
}

// clojureHarness binds the payload as bindings and treats the user
// code's last expression as the result.
func clojureHarness(code string) string {
	return `(require '[cheshire.core :as json])

(def bindings (json/parse-string (slurp (first *command-line-args*)) true))
(def _input (:_input bindings))
(def _state (:_state bindings))
(def _outputs (:_outputs bindings))

(let [[result error]
      (try
        [(do ` + code + `) nil]
        (catch Exception e [nil (str e)]))]
  (spit (second *command-line-args*)
        (json/generate-string {:result result :error (or error "")})))
`
}

// bashEnv exports bindings as environment variables. Scalars go in
// verbatim, everything else as JSON.
func bashEnv(bindings map[string]any) []string {
	env := make([]string, 0, len(bindings))
	for k, v := range bindings {
		switch t := v.(type) {
		case string:
			env = append(env, k+"="+t)
		case nil:
			env = append(env, k+"=")
		case bool, int, int64, float64:
			env = append(env, fmt.Sprintf("%s=%v", k, t))
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			env = append(env, k+"="+string(data))
		}
	}
	return env
}

func indent(code, prefix string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
