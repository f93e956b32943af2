package model

import (
	"io"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	// DefaultMaxRecentJobs caps the recent-jobs database, oldest entries
	// are evicted first.
	DefaultMaxRecentJobs = 50

	DefaultServerHost = "127.0.0.1"
	DefaultServerPort = 56789
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version    int         `json:"version" yaml:"version"` // fixed 0 for now
	Invest     Invest      `json:"invest" yaml:"invest"`
	Jobs       *Jobs       `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Server     *Server     `json:"server,omitempty" yaml:"server,omitempty"`
	Sampledata *Sampledata `json:"sampledata,omitempty" yaml:"sampledata,omitempty"`
	Workbench  Workbench   `json:"workbench" yaml:"workbench"`
}

// Invest describes how the invest executable is invoked. The binary may be
// a bare name resolved via PATH or an absolute path.
type Invest struct {
	Binary            string  `json:"binary" yaml:"binary"`
	Verbosity         *int    `json:"verbosity,omitempty" yaml:"verbosity,omitempty"`
	TaskgraphLogLevel *string `json:"taskgraph_log_level,omitempty" yaml:"taskgraph_log_level,omitempty"`
	Language          *string `json:"language,omitempty" yaml:"language,omitempty"`
}

// Jobs configures the recent-jobs database.
type Jobs struct {
	Database  *string `json:"database,omitempty" yaml:"database,omitempty"`
	MaxRecent *int    `json:"max_recent,omitempty" yaml:"max_recent,omitempty"`
}

// Server configures the localhost API consumed by the renderer.
type Server struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Sampledata configures sample data downloads.
type Sampledata struct {
	Dir         *string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Parallelism *int    `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
}

type Workbench struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// DefaultConfig is what a fresh install runs with before any config file
// is written.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Invest:  Invest{Binary: "invest"},
		Workbench: Workbench{
			Verbose: false,
			Log:     "stderr",
		},
	}
}

// DatabasePath resolves the jobs database location, falling back to
// jobs.json under the given base directory.
func (c Config) DatabasePath(base string) string {
	if c.Jobs != nil && c.Jobs.Database != nil {
		return *c.Jobs.Database
	}
	return filepath.Join(base, "jobs.json")
}

func (c Config) MaxRecentJobs() int {
	if c.Jobs != nil && c.Jobs.MaxRecent != nil {
		return *c.Jobs.MaxRecent
	}
	return DefaultMaxRecentJobs
}

func (c Config) ServerAddr() (host string, port int) {
	if c.Server == nil {
		return DefaultServerHost, DefaultServerPort
	}
	return c.Server.Host, c.Server.Port
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("workbench.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
