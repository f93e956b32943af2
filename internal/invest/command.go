// Package invest captures the invocation contract of the invest
// executable: how a model run is launched from a datastack, how the model
// list is fetched, and how the logfile the process writes for itself is
// located.
package invest

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/phargogh/invest/internal/model"
)

// Invocation knows how to build invest command lines. The zero value is
// not useful, construct it from the config.
type Invocation struct {
	binary            string
	verbosity         int
	taskgraphLogLevel string
	language          string
}

func NewInvocation(cfg model.Invest) Invocation {
	inv := Invocation{binary: cfg.Binary}
	if inv.binary == "" {
		inv.binary = "invest"
	}
	if cfg.Verbosity != nil {
		inv.verbosity = *cfg.Verbosity
	}
	if cfg.TaskgraphLogLevel != nil {
		inv.taskgraphLogLevel = *cfg.TaskgraphLogLevel
	}
	if cfg.Language != nil {
		inv.language = *cfg.Language
	}
	return inv
}

// LookPath resolves the configured binary. A missing or non-executable
// binary is the spawn failure the supervisor reports synchronously.
func (i Invocation) LookPath() (string, error) {
	path, err := exec.LookPath(i.binary)
	if err != nil {
		return "", fmt.Errorf("invest executable %q: %w", i.binary, err)
	}
	return path, nil
}

func (i Invocation) globalArgs() []string {
	var args []string
	if i.verbosity > 0 {
		args = append(args, "-"+strings.Repeat("v", i.verbosity))
	}
	if i.taskgraphLogLevel != "" {
		args = append(args, "--taskgraph-log-level", i.taskgraphLogLevel)
	}
	if i.language != "" {
		args = append(args, "-L", i.language)
	}
	return args
}

// RunArgs builds the argv (after the binary itself) for one model run:
//
//	invest [-v...] [--taskgraph-log-level L] [-L lang] run <model> -d <datastack> -w <workspace>
func (i Invocation) RunArgs(modelID, datastackPath, workspaceDir string) []string {
	args := i.globalArgs()
	args = append(args, "run", modelID, "-d", datastackPath, "-w", workspaceDir)
	return args
}

// ListModels runs `invest list --json` and decodes the result. Keys are
// model ids, values carry the human name and CLI aliases.
func (i Invocation) ListModels(ctx context.Context) (map[string]ModelInfo, error) {
	path, err := i.LookPath()
	if err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, path, "list", "--json").Output()
	if err != nil {
		return nil, fmt.Errorf("invest list: %w", err)
	}
	return ParseModelList(out)
}

type ModelInfo struct {
	ModelTitle string   `json:"model_title"`
	Aliases    []string `json:"aliases"`
}

func ParseModelList(raw []byte) (map[string]ModelInfo, error) {
	models := make(map[string]ModelInfo)
	if err := json.Unmarshal(raw, &models); err != nil {
		return nil, fmt.Errorf("parsing model list: %w", err)
	}
	return models, nil
}
