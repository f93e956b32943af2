package invest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/phargogh/invest/internal/fsx"
)

// Datastack is the JSON parameter-set document handed to `invest run` via
// the -d flag. The args payload belongs to the model, the workbench writes
// it out verbatim and never interprets it.
type Datastack struct {
	ModelID       string         `json:"model_id"`
	InvestVersion string         `json:"invest_version,omitempty"`
	Args          map[string]any `json:"args"`
}

func WriteDatastack(path string, ds Datastack) error {
	if ds.Args == nil {
		ds.Args = map[string]any{}
	}
	raw, err := json.MarshalIndent(ds, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding datastack: %w", err)
	}
	if err := fsx.WriteFileAtomic(path, raw, 0644); err != nil {
		return fmt.Errorf("writing datastack %s: %w", path, err)
	}
	return nil
}

func ReadDatastack(path string) (Datastack, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Datastack{}, fmt.Errorf("reading datastack %s: %w", path, err)
	}
	var ds Datastack
	if err := json.Unmarshal(raw, &ds); err != nil {
		return Datastack{}, fmt.Errorf("parsing datastack %s: %w", path, err)
	}
	if ds.ModelID == "" {
		return Datastack{}, fmt.Errorf("datastack %s: missing model_id", path)
	}
	return ds, nil
}
