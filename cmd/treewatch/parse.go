package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

type cliConfig struct {
	ConfigPath  string
	Root        string
	Listen      string
	Print       bool
	NoServer    bool
	LogLevel    string
	ShowVersion bool
}

func parseArgs(args []string, errOut io.Writer) (cliConfig, error) {
	fs := flag.NewFlagSet("treewatch", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configFlag := fs.String("config", "", "Path to a YAML config file")
	rootFlag := fs.String("root", "", "Directory to observe (overrides config root)")
	listenFlag := fs.String("addr", "", "HTTP listen address (overrides config listen)")
	printFlag := fs.Bool("print", false, "Print routed events to stdout")
	noServerFlag := fs.Bool("no-server", false, "Do not serve the HTTP API")
	logLevelFlag := fs.String("log-level", "", "Log level: debug, info, warn, error")
	versionFlag := fs.Bool("version", false, "Print version and exit")
	fs.Usage = func() {
		printHelp(fs.Output())
	}

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if *versionFlag {
		return cliConfig{ShowVersion: true}, nil
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return cliConfig{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg := cliConfig{
		ConfigPath: strings.TrimSpace(*configFlag),
		Root:       strings.TrimSpace(*rootFlag),
		Listen:     strings.TrimSpace(*listenFlag),
		Print:      *printFlag,
		NoServer:   *noServerFlag,
		LogLevel:   strings.TrimSpace(*logLevelFlag),
	}
	if cfg.ConfigPath == "" && cfg.Root == "" {
		fs.Usage()
		return cliConfig{}, fmt.Errorf("either -config or -root is required")
	}
	return cfg, nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: treewatch [flags]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Observes a directory tree and routes mutations (node added/removed,")
	fmt.Fprintln(out, "content changed, attribute changed) to listeners and websocket clients.")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Flags:")
	fmt.Fprintln(out, "  -config path   YAML config file")
	fmt.Fprintln(out, "  -root dir      directory to observe (default watchers, no config needed)")
	fmt.Fprintln(out, "  -addr host:port  HTTP listen address")
	fmt.Fprintln(out, "  -print         print routed events to stdout")
	fmt.Fprintln(out, "  -no-server     disable the HTTP API")
	fmt.Fprintln(out, "  -log-level l   debug, info, warn, or error")
	fmt.Fprintln(out, "  -version       print version and exit")
}
