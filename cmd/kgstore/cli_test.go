package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

// runCLI runs the kgstore command against a fresh store directory under t.TempDir()
// and returns stdout, stderr, and the exit code. storeDir is joined onto the
// resulting work dir so test cases don't trample each other.
func runCLI(t *testing.T, workDir string, args ...string) (stdout, stderr string, code int) {
	t.Helper()

	var out, errOut bytes.Buffer

	fullArgs := append([]string{"kgstore", "-C", workDir}, args...)
	code = run(fullArgs, nil, &out, &errOut)

	return out.String(), errOut.String(), code
}

func TestRun_CreateEntityThenLs(t *testing.T) {
	dir := t.TempDir()

	out, errOut, code := runCLI(t, dir, "create-entity", "Alice", "Person")
	if code != 0 {
		t.Fatalf("create-entity: code=%d stderr=%s", code, errOut)
	}

	if !strings.Contains(out, `created entity "Alice"`) {
		t.Fatalf("create-entity output = %q", out)
	}

	out, errOut, code = runCLI(t, dir, "ls")
	if code != 0 {
		t.Fatalf("ls: code=%d stderr=%s", code, errOut)
	}

	if !strings.Contains(out, "Alice") || !strings.Contains(out, "[Person]") {
		t.Fatalf("ls output = %q", out)
	}
}

func TestRun_RelateAndUnrelateByName(t *testing.T) {
	dir := t.TempDir()

	if _, errOut, code := runCLI(t, dir, "create-entity", "A", "Thing"); code != 0 {
		t.Fatalf("create A: %s", errOut)
	}

	if _, errOut, code := runCLI(t, dir, "create-entity", "B", "Thing"); code != 0 {
		t.Fatalf("create B: %s", errOut)
	}

	out, errOut, code := runCLI(t, dir, "relate", "A", "B", "LINKS")
	if code != 0 {
		t.Fatalf("relate: code=%d stderr=%s", code, errOut)
	}

	if !strings.Contains(out, `related "A" -[LINKS]-> "B"`) {
		t.Fatalf("relate output = %q", out)
	}

	out, errOut, code = runCLI(t, dir, "unrelate", "A", "B", "LINKS")
	if code != 0 {
		t.Fatalf("unrelate: code=%d stderr=%s", code, errOut)
	}

	if !strings.Contains(out, `unrelated "A" -[LINKS]-> "B"`) {
		t.Fatalf("unrelate output = %q", out)
	}
}

func TestRun_RelateUnknownEntityFails(t *testing.T) {
	dir := t.TempDir()

	if _, errOut, code := runCLI(t, dir, "create-entity", "A", "Thing"); code != 0 {
		t.Fatalf("create A: %s", errOut)
	}

	_, errOut, code := runCLI(t, dir, "relate", "A", "Nobody", "LINKS")
	if code == 0 {
		t.Fatalf("relate to unknown entity: want non-zero exit code")
	}

	if !strings.Contains(errOut, "no such entity") {
		t.Fatalf("relate stderr = %q, want mention of missing entity", errOut)
	}
}

func TestRun_ObserveAndRank(t *testing.T) {
	dir := t.TempDir()

	if _, errOut, code := runCLI(t, dir, "create-entity", "A", "Thing"); code != 0 {
		t.Fatalf("create A: %s", errOut)
	}

	if _, errOut, code := runCLI(t, dir, "create-entity", "B", "Thing"); code != 0 {
		t.Fatalf("create B: %s", errOut)
	}

	if _, errOut, code := runCLI(t, dir, "relate", "A", "B", "LINKS"); code != 0 {
		t.Fatalf("relate: %s", errOut)
	}

	out, errOut, code := runCLI(t, dir, "observe", "A", "likes turtles")
	if code != 0 {
		t.Fatalf("observe: code=%d stderr=%s", code, errOut)
	}

	if !strings.Contains(out, `observed "likes turtles" on "A"`) {
		t.Fatalf("observe output = %q", out)
	}

	out, errOut, code = runCLI(t, dir, "rank")
	if code != 0 {
		t.Fatalf("rank: code=%d stderr=%s", code, errOut)
	}

	if !strings.Contains(out, "MERW converged after") {
		t.Fatalf("rank output = %q", out)
	}

	out, errOut, code = runCLI(t, dir, "rank", "--structural", "5")
	if code != 0 {
		t.Fatalf("rank --structural: code=%d stderr=%s", code, errOut)
	}

	if !strings.Contains(out, "ran 5 structural-sample iteration(s)") {
		t.Fatalf("rank --structural output = %q", out)
	}
}

func TestRun_Migrate(t *testing.T) {
	dir := t.TempDir()

	if _, errOut, code := runCLI(t, dir, "create-entity", "A", "Thing"); code != 0 {
		t.Fatalf("create A: %s", errOut)
	}

	out, errOut, code := runCLI(t, dir, "migrate")
	if code != 0 {
		t.Fatalf("migrate: code=%d stderr=%s", code, errOut)
	}

	if !strings.Contains(out, "1 entities") {
		t.Fatalf("migrate output = %q", out)
	}
}

func TestRun_ConfigWrite(t *testing.T) {
	dir := t.TempDir()

	out, errOut, code := runCLI(t, dir, "config", "--write")
	if code != 0 {
		t.Fatalf("config --write: code=%d stderr=%s", code, errOut)
	}

	if !strings.Contains(out, `"store_dir"`) {
		t.Fatalf("config output = %q", out)
	}

	wantPath := filepath.Join(dir, ConfigFileName)
	if !strings.Contains(out, "wrote "+wantPath) {
		t.Fatalf("config output = %q, want mention of %s", out, wantPath)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	dir := t.TempDir()

	_, errOut, code := runCLI(t, dir, "frobnicate")
	if code == 0 {
		t.Fatalf("unknown command: want non-zero exit code")
	}

	if !strings.Contains(errOut, "unknown command") {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	dir := t.TempDir()

	out, _, code := runCLI(t, dir)
	if code != 0 {
		t.Fatalf("no args: code=%d", code)
	}

	if !strings.Contains(out, "kgstore - embedded knowledge-graph store CLI") {
		t.Fatalf("usage output = %q", out)
	}
}
