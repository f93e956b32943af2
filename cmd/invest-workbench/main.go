package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/phargogh/invest/internal/download"
	"github.com/phargogh/invest/internal/invest"
	"github.com/phargogh/invest/internal/jobstore"
	"github.com/phargogh/invest/internal/log"
	"github.com/phargogh/invest/internal/model"
	"github.com/phargogh/invest/internal/server"
	"github.com/phargogh/invest/internal/settings"
	"github.com/phargogh/invest/internal/supervisor"
)

var (
	userConfigPath string // /default/config/path/invest-workbench on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	flagWorkspace string
	flagDatastack string

	flagHost string
	flagPort int
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "invest-workbench")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is workbench.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringVarP(&flagWorkspace, "workspace", "w", "", "workspace directory for the model run")
	runCmd.Flags().StringVarP(&flagDatastack, "datastack", "d", "", "datastack JSON file with the model arguments")
	_ = runCmd.MarkFlagRequired("workspace")
	_ = runCmd.MarkFlagRequired("datastack")

	serveCmd.Flags().StringVar(&flagHost, "host", "", "listen host, overrides the config file")
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "listen port, overrides the config file")
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.SetEnvPrefix("WORKBENCH")
	viper.AutomaticEnv()

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initWorkbench

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsClearCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("invest-workbench failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "invest-workbench",
	Short:        "Launches and supervises InVEST model runs",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <model>",
	Short: "run executes one model from a datastack and waits for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the localhost API used by the workbench UI",
	RunE:  doServe,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "jobs inspects the recent-jobs database",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list prints the recent jobs as JSON",
	RunE:  doJobsList,
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "clear empties the recent-jobs database",
	RunE:  doJobsClear,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of the workbench",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("invest-workbench: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("workbench: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func newStore() *jobstore.Store {
	return jobstore.New(config.DatabasePath(userConfigPath), config.MaxRecentJobs())
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	modelID := args[0]
	attrs := slog.Group("workbench",
		slog.String("cmd", "run"),
		slog.String("model", modelID),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	ds, err := invest.ReadDatastack(flagDatastack)
	if err != nil {
		return err
	}
	if ds.ModelID != modelID {
		return fmt.Errorf("datastack is for model %q, not %q", ds.ModelID, modelID)
	}

	job := model.NewJobRecord(modelID, modelID, flagWorkspace, ds.Args)
	sup := supervisor.New(invest.NewInvocation(config.Invest))
	if err := sup.Start(ctx, job); err != nil {
		return err
	}

	store := newStore()
	if _, err := store.Save(job); err != nil {
		slog.Warn("persisting job failed", "err", err)
	}

	// an interrupt cancels the run, the event loop below still sees the
	// terminal transition
	go func() {
		<-ctx.Done()
		sup.Cancel()
	}()

	var exited supervisor.Event
	for ev := range sup.Events() {
		switch ev.Kind {
		case supervisor.EventLine:
			fmt.Println(ev.Line)
		case supervisor.EventLogOpened:
			job.LogfilePath = ev.LogfilePath
			slog.InfoContext(ctx, "model logfile opened", "path", ev.LogfilePath)
		case supervisor.EventExited:
			exited = ev
		}
	}

	job.Finish(exited.State.JobStatus())
	if _, err := store.Save(job); err != nil {
		slog.Warn("persisting job failed", "err", err)
	}

	switch exited.State {
	case supervisor.StateCompleted:
		return nil
	case supervisor.StateCanceled:
		return fmt.Errorf("model run canceled")
	default:
		return fmt.Errorf("model run failed with exit code %d", exited.ExitCode)
	}
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("workbench",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	override, err := server.ParseConfig("server")
	if err != nil {
		return fmt.Errorf("parsing server config: %w", err)
	}
	addr := override.Addr(config)

	parallelism := 4
	sampledataDir := filepath.Join(userConfigPath, "sampledata")
	if config.Sampledata != nil {
		if config.Sampledata.Parallelism != nil {
			parallelism = *config.Sampledata.Parallelism
		}
		if config.Sampledata.Dir != nil {
			sampledataDir = *config.Sampledata.Dir
		}
	}

	version := "devel"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}

	srv := server.New(
		invest.NewInvocation(config.Invest),
		newStore(),
		settings.NewStore(filepath.Join(userConfigPath, "settings.json")),
		download.New(parallelism),
		sampledataDir,
		version,
	)

	slog.InfoContext(ctx, "workbench API listening", "addr", addr)
	return srv.Serve(ctx, addr)
}

func doJobsList(cmd *cobra.Command, _ []string) error {
	jobs, err := newStore().Load()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	return enc.Encode(jobs)
}

func doJobsClear(cmd *cobra.Command, _ []string) error {
	_, err := newStore().Clear()
	return err
}

func initWorkbench(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("WORKBENCHCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "workbench.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "workbench.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Workbench.Verbose = true
	}

	w, err := log.Writer(config.Workbench.Log)
	if err != nil {
		return fmt.Errorf("opening log destination: %w", err)
	}
	slog.SetDefault(log.New(w, config.Workbench.Verbose))

	slog.Debug("workbench run", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info != nil && info.Mode().IsRegular()
}
