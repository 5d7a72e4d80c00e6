// Package prover is the Prover Invoker (C7). It shells out to an
// external prover binary — the ZK circuits themselves are out of
// scope for this engine — in an isolated per-invocation work
// directory, bounded by a semaphore. Prove stops the subprocess when
// the caller's context is cancelled or its deadline passes; it sets no
// timeout of its own, and the orchestrator calls it with its run
// context, which has no deadline.
package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/zkproofport/engine/pkg/errs"
)

// Result is the decoded stdout of a successful prover invocation.
type Result struct {
	Proof        json.RawMessage `json:"proof"`
	PublicInputs json.RawMessage `json:"publicInputs"`
	Nullifier    string          `json:"nullifier"`
}

// Invoker runs prover binaries with bounded concurrency.
type Invoker struct {
	binary  string
	workDir string
	sem     chan struct{}
}

// New constructs an Invoker. maxConcurrent bounds how many prover
// subprocesses may run at once (spec §5 resource model).
func New(binary, workDir string, maxConcurrent int) *Invoker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Invoker{binary: binary, workDir: workDir, sem: make(chan struct{}, maxConcurrent)}
}

// Prove invokes the prover binary for circuitID over input, blocking
// until a concurrency slot is free, the binary exits, or ctx is
// cancelled/times out.
func (i *Invoker) Prove(ctx context.Context, circuitID string, input json.RawMessage) (*Result, error) {
	select {
	case i.sem <- struct{}{}:
		defer func() { <-i.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	dir, err := os.MkdirTemp(i.workDir, "prove-"+circuitID+"-*")
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to create prover work directory", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input.json")
	if err := os.WriteFile(inputPath, input, 0o600); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to write prover input", err)
	}

	cmd := exec.CommandContext(ctx, i.binary, "--circuit", circuitID, "--input", inputPath)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return nil, errs.Wrap(errs.KindProveTimeout, "prover timed out", ctx.Err())
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindProveError,
			fmt.Sprintf("prover exited with error: %s", stderr.String()), err)
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, errs.Wrap(errs.KindProveError, "failed to decode prover output", err)
	}
	return &result, nil
}
