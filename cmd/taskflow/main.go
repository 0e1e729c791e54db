// Command taskflow is the CLI for the taskflow workflow execution platform.
//
// Usage:
//
//	taskflow serve --workflows-dir ./workflows --http-addr :8080
//	taskflow validate ./workflows/greet.yaml
//	taskflow schema ./workflows/greet.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/taskflow/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the RPC front-end server."`
	Validate ValidateCmd `cmd:"" help:"Validate a workflow document."`
	Schema   SchemaCmd   `cmd:"" help:"Print a workflow's synthesized input JSON schema."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("taskflow version %s\n", version)
	return nil
}

// printBanner prints a colored ASCII banner, skipped when stdout is not a
// terminal or the command is purely informational.
func printBanner() {
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			return
		}
	} else {
		return
	}

	const green = "\033[38;2;16;185;129m"
	const reset = "\033[0m"
	banner := `
 _            _    __ _
| |_ __ _ ___| | _/ _| | _____      __
| __/ _` + "`" + ` / __| |/ / |_| |/ _ \ \ /\ / /
| || (_| \__ \   <|  _| | (_) \ V  V /
 \__\__,_|___/_|\_\_| |_|\___/ \_/\_/
`
	fmt.Printf("%s%s%s\n", green, banner, reset)
}

func shouldSkipBanner(args []string) bool {
	for _, arg := range args {
		if arg == "validate" || arg == "schema" || arg == "version" {
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("taskflow"),
		kong.Description("taskflow - declarative workflow execution over a tool-calling RPC surface"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	out := os.Stderr
	var cleanup func()
	if cli.LogFile != "" {
		f, c, openErr := logger.OpenLogFile(cli.LogFile)
		if openErr != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", openErr)
			os.Exit(1)
		}
		out = f
		cleanup = c
	}
	logger.Init(level, out, cli.LogFormat)
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
