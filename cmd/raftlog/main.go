package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/cli"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ui := &cli.BasicUi{Reader: os.Stdin, Writer: os.Stdout, ErrorWriter: os.Stderr}

	c := &cli.CLI{
		Name:     "raftlog",
		Version:  version,
		Args:     args,
		Commands: commands(ui),
		HelpFunc: cli.BasicHelpFunc("raftlog"),
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}

func commands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"serve": func() (cli.Command, error) {
			return newServeCommand(ui), nil
		},
		"inspect": func() (cli.Command, error) {
			return newInspectCommand(ui), nil
		},
		"bench": func() (cli.Command, error) {
			return newBenchCommand(ui), nil
		},
	}
}

// usage appends the flag defaults of fs to help
func usage(help string, fs *flag.FlagSet) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(help))
	b.WriteString("\n\nOptions:\n\n")
	fs.SetOutput(&b)
	fs.PrintDefaults()
	fs.SetOutput(nil)
	return b.String()
}
