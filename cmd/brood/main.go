package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/mattn/go-isatty"

	"github.com/core-tools/hsu-brood/pkg/config"
	"github.com/core-tools/hsu-brood/pkg/logging"
	"github.com/core-tools/hsu-brood/pkg/orchestrator"
	"github.com/core-tools/hsu-brood/pkg/render"
)

type flagOptions struct {
	Config    string `short:"c" long:"config" description:"configuration file (brood.yaml, brood.yml or brood.toml in the current directory by default)"`
	LogLevel  string `long:"log-level" default:"warn" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"level of the runner's own diagnostics"`
	LogFormat string `long:"log-format" choice:"console" choice:"json" description:"diagnostics encoding, console on a terminal and json otherwise"`
	NoColor   bool   `long:"no-color" description:"disable styled prefixes"`
	Validate  bool   `long:"validate" description:"check the configuration and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(argv); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return 0
		}
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		return 1
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = opts.LogLevel
	switch {
	case opts.LogFormat != "":
		zapConfig.Format = opts.LogFormat
	case !isatty.IsTerminal(os.Stderr.Fd()):
		zapConfig.Format = "json"
	}

	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger(logPrefix("brood"), logging.FuncsOf(zapLogger))

	filename := opts.Config
	if filename == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get working directory: %v\n", err)
			return 1
		}
		if filename, err = config.Discover(cwd); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}

	cfg, err := config.LoadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	specs, err := cfg.ToSpecs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	if opts.Validate {
		fmt.Printf("%s: %d commands OK\n", filename, len(specs))
		return 0
	}

	logger.Infof("Loaded %d commands from %s", len(specs), filename)

	renderer := render.NewLogRenderer(os.Stdout, specs, render.Options{
		Template:     cfg.Renderer.Prefix,
		PrefixStyle:  cfg.Renderer.PrefixStyle,
		MessageStyle: cfg.Renderer.MessageStyle,
		StatusStyle:  cfg.Renderer.StatusStyle,
		NoColor:      opts.NoColor,
	})

	options := cfg.OrchestratorOptions()
	options.ChildEnv = renderer.ChildEnv

	orch, err := orchestrator.New(specs, options, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		if err := renderer.Run(context.Background(), orch.Lines(), orch.Snapshots(), orch.Controls()); err != nil {
			logger.Errorf("Renderer stopped: %v", err)
		}
	}()

	if err := orch.Run(context.Background(), sig); err != nil {
		logger.Errorf("Run failed: %v", err)
	}
	<-rendered

	return 0
}
