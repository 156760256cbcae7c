package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh/terminal"

	"github.com/authbrokerd/authbrokerd/internal/cli"
	"github.com/authbrokerd/authbrokerd/internal/config"
)

// readMaskedResponse prompts on stderr and reads a line from stdin with
// terminal echo disabled, so a passphrase typed at `respond` never lands in
// shell history or a terminal scrollback the way a plain command-line
// argument would.
func readMaskedResponse() (string, error) {
	fmt.Fprint(os.Stderr, "response: ")
	defer fmt.Fprintln(os.Stderr)
	data, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// runCLI implements the `ping`/`list`/`respond`/`cancel` dev-tool
// subcommands: thin wrappers over internal/cli.Client used to exercise the
// daemon's socket protocol by hand or from a test harness, matching the
// ambient "keep a runnable CLI" expectation the teacher's own cli command
// set sets (internal/cli/client.go), rebuilt against this daemon's
// newline-JSON socket instead of the teacher's HTTP+JWT API.
func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	socketPath := fs.String("socket", "", "daemon socket path (default: config or $XDG_RUNTIME_DIR/authbrokerd.sock)")
	configPath := fs.String("config", "", "path to config file")
	jsonOutput := fs.Bool("json", false, "output as JSON")
	fs.Parse(args)

	path := *socketPath
	if path == "" {
		cfg, err := config.Load(configFilePath(*configPath))
		if err == nil {
			path = cfg.SocketPath
		} else {
			path = config.DefaultSocketPath()
		}
	}

	client, err := cli.Dial(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Start the daemon first with: %s serve\n", progName)
		os.Exit(1)
	}
	defer client.Close()

	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	switch cmd {
	case "ping":
		pong, err := client.Ping()
		exitOnErr(err)
		exitOnErr(formatter.FormatPong(pong))
	case "list":
		events, _, err := client.Subscribe()
		exitOnErr(err)
		exitOnErr(formatter.FormatSessions(events))
	case "respond":
		if fs.NArg() < 1 {
			fmt.Fprintf(os.Stderr, "usage: %s respond <cookie> [response]\n", progName)
			os.Exit(1)
		}
		response := ""
		if fs.NArg() >= 2 {
			response = fs.Arg(1)
		} else {
			// No response on the command line: prompt for it interactively
			// with terminal echo suppressed, the same as a human answering
			// a keyring or pinentry passphrase request would expect.
			var err error
			response, err = readMaskedResponse()
			exitOnErr(err)
		}
		msg, err := client.Respond(fs.Arg(0), response)
		exitOnErr(err)
		exitOnErr(formatter.FormatResult(msg))
	case "cancel":
		if fs.NArg() < 1 {
			fmt.Fprintf(os.Stderr, "usage: %s cancel <cookie>\n", progName)
			os.Exit(1)
		}
		msg, err := client.Cancel(fs.Arg(0))
		exitOnErr(err)
		exitOnErr(formatter.FormatResult(msg))
	}
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
