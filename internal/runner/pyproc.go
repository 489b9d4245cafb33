package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var importRe = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// stdlib modules commonly imported by processing scripts; never pip installed.
var pyBuiltins = map[string]bool{
	"os": true, "sys": true, "re": true, "io": true, "csv": true,
	"json": true, "math": true, "time": true, "datetime": true,
	"collections": true, "itertools": true, "functools": true,
	"pathlib": true, "shutil": true, "glob": true, "string": true,
	"typing": true, "logging": true, "gzip": true, "zipfile": true,
	"hashlib": true, "base64": true, "decimal": true, "random": true,
}

// scanImports statically extracts top-level module names from a script so the
// virtualenv can be provisioned before it runs.
func scanImports(script string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range importRe.FindAllStringSubmatch(script, -1) {
		name := m[1]
		if pyBuiltins[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// runProcessing executes the task's python script in a throwaway virtualenv
// against the data file and returns the path of the output file, which the
// script is allowed to rename.
func runProcessing(ctx context.Context, workspace, script, command, dataPath string) (string, error) {
	scriptPath := filepath.Join(workspace, "processing.py")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return "", err
	}

	venv := filepath.Join(workspace, "venv")
	if out, err := exec.CommandContext(ctx, "python3", "-m", "venv", venv).CombinedOutput(); err != nil {
		return "", fmt.Errorf("create virtualenv: %s: %w", strings.TrimSpace(string(out)), err)
	}
	python := filepath.Join(venv, "bin", "python")

	if deps := scanImports(script); len(deps) > 0 {
		args := append([]string{"-m", "pip", "install", "--quiet"}, deps...)
		if out, err := exec.CommandContext(ctx, python, args...).CombinedOutput(); err != nil {
			return "", fmt.Errorf("install %v: %s: %w", deps, strings.TrimSpace(string(out)), err)
		}
	}

	dataDir := filepath.Dir(dataPath)
	before, err := listFiles(dataDir)
	if err != nil {
		return "", err
	}

	var cmd *exec.Cmd
	if command != "" {
		line := strings.ReplaceAll(command, "{script}", scriptPath)
		line = strings.ReplaceAll(line, "{file}", dataPath)
		line = strings.ReplaceAll(line, "{python}", python)
		cmd = exec.CommandContext(ctx, "sh", "-c", line)
	} else {
		cmd = exec.CommandContext(ctx, python, scriptPath, dataPath)
	}
	cmd.Dir = dataDir
	cmd.Env = append(os.Environ(), "JOB_DATA_FILE="+dataPath)

	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("processing script failed: %s: %w", strings.TrimSpace(string(out)), err)
	} else if len(out) > 0 {
		zap.L().Info("processing script output", zap.String("output", strings.TrimSpace(string(out))))
	}

	// The script may write a replacement file next to the input.
	after, err := listFiles(dataDir)
	if err != nil {
		return "", err
	}
	for name := range after {
		if !before[name] {
			return filepath.Join(dataDir, name), nil
		}
	}

	if _, err := os.Stat(dataPath); err != nil {
		return "", fmt.Errorf("processing script removed the data file without producing a replacement")
	}
	return dataPath, nil
}

func listFiles(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out[e.Name()] = true
		}
	}
	return out, nil
}
