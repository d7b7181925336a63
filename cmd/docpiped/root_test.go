package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCommand(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init returned error: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("output does not mention target: %q", out)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("sample config not written: %v", err)
	}
	if !strings.Contains(string(data), "[workers]") {
		t.Fatalf("sample config missing workers section:\n%s", data)
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	if _, err := runCommand(t, "config", "init", "--path", target); err != nil {
		t.Fatalf("first init returned error: %v", err)
	}
	if _, err := runCommand(t, "config", "init", "--path", target); err == nil {
		t.Fatal("second init should refuse to overwrite")
	}
}

func TestValidateReportsPipelines(t *testing.T) {
	base := t.TempDir()
	pipelineDir := filepath.Join(base, "pipelines")
	if err := os.MkdirAll(pipelineDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	definition := "name = \"ingest\"\n\n[[stage]]\nname = \"extract\"\nprocessor = \"textextract\"\n"
	if err := os.WriteFile(filepath.Join(pipelineDir, "ingest.toml"), []byte(definition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	configPath := filepath.Join(base, "config.toml")
	configBody := "[paths]\npipeline_dir = \"" + pipelineDir + "\"\n"
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runCommand(t, "validate", "--config", configPath)
	if err != nil {
		t.Fatalf("validate returned error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "pipeline ingest ok") {
		t.Fatalf("validate output missing pipeline report: %q", out)
	}
}

func TestValidateRejectsCyclicDefinition(t *testing.T) {
	base := t.TempDir()
	pipelineDir := filepath.Join(base, "pipelines")
	if err := os.MkdirAll(pipelineDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	definition := `name = "cyclic"

[[stage]]
name = "a"
processor = "p"
depends_on = ["b"]

[[stage]]
name = "b"
processor = "p"
depends_on = ["a"]
`
	if err := os.WriteFile(filepath.Join(pipelineDir, "cyclic.toml"), []byte(definition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	configPath := filepath.Join(base, "config.toml")
	configBody := "[paths]\npipeline_dir = \"" + pipelineDir + "\"\n"
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := runCommand(t, "validate", "--config", configPath); err == nil {
		t.Fatal("validate should fail on a cyclic definition")
	}
}
