package main

import (
	"os"
	"strings"

	fmt "github.com/jhunt/go-ansi"
	"github.com/jhunt/go-cli"
	env "github.com/jhunt/go-envirotron"
	"github.com/jhunt/go-log"

	"github.com/jhunt/go-revexec"
)

var opts struct {
	LogLevel string `cli:"-L, --log-level" env:"REVEXEC_LOG_LEVEL"`
	Help     bool   `cli:"-h, --help"`

	Agent struct {
		Listen   string `cli:"-R, --listen"`
		Upstream string `cli:"-A, --upstream"`
	} `cli:"agent"`

	Exec struct {
		Agent string   `cli:"-A, --agent" env:"SSH_AUTH_SOCK"`
		Cwd   string   `cli:"-C, --chdir"`
		Env   []string `cli:"--env"`
	} `cli:"exec"`
}

func main() {
	opts.LogLevel = "info"

	env.Override(&opts)
	log.SetupLogging(log.LogConfig{
		Type:  "console",
		Level: opts.LogLevel,
	})

	command, args, err := cli.Parse(&opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "!!! %s\n", err)
		os.Exit(1)
	}

	if opts.Help || (command == "" && len(args) == 0) {
		usage()
		os.Exit(0)
	}

	switch command {
	case "agent":
		runAgent()
	case "exec":
		runExec(args)
	default:
		if command == "" {
			fmt.Fprintf(os.Stderr, "command `%s' not recognized\n", strings.Join(args, " "))
		} else {
			fmt.Fprintf(os.Stderr, "command `%s' not recognized\n", command)
		}
		os.Exit(2)
	}
}

func usage() {
	fmt.Printf("@*{revexec} - run a command on the far end of an SSH agent-forwarding channel\n")
	fmt.Printf("\n")
	fmt.Printf("@W{COMMANDS}\n")
	fmt.Printf("\n")
	fmt.Printf("  @G{agent} -R @C{listen-path} [-A @C{upstream-path}]\n")
	fmt.Printf("    Listen on listen-path in place of the conventional agent socket,\n")
	fmt.Printf("    forwarding every non-extension request to upstream-path.\n")
	fmt.Printf("\n")
	fmt.Printf("  @G{exec} -A @C{agent-path} [-C @C{cwd}] [--env KEY=VALUE ...] @C{cmd} [@C{args...}]\n")
	fmt.Printf("    Ask the agent listening at agent-path to run cmd, and drive its\n")
	fmt.Printf("    stdio against our own. Exits with cmd's own exit code.\n")
	fmt.Printf("\n")
}

func runAgent() {
	if opts.Agent.Listen == "" {
		fmt.Fprintf(os.Stderr, "@R{missing required -R/--listen path}\n")
		os.Exit(1)
	}

	cleanupStaleSocket(opts.Agent.Listen)

	a := &revexec.Agent{
		ListenPath:   opts.Agent.Listen,
		UpstreamPath: opts.Agent.Upstream,
	}

	log.Infof("agent: listening on %s", opts.Agent.Listen)
	if err := a.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "@R{agent failed: %s}\n", err)
		os.Exit(2)
	}
}

// cleanupStaleSocket removes a leftover socket file from a previous,
// uncleanly-terminated run of `agent`, the way the source project's
// own startup routine does — but only if the path is in fact a
// socket; anything else is left alone and bind will fail loudly on it.
func cleanupStaleSocket(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		fmt.Fprintf(os.Stderr, "@R{failed to stat %s: %s}\n", path, err)
		os.Exit(1)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return
	}
	if err := os.Remove(path); err != nil {
		fmt.Fprintf(os.Stderr, "@R{failed to remove stale socket %s: %s}\n", path, err)
		os.Exit(1)
	}
}

func runExec(args []string) {
	if opts.Exec.Agent == "" {
		fmt.Fprintf(os.Stderr, "@R{missing required -A/--agent path (or $SSH_AUTH_SOCK)}\n")
		os.Exit(1)
	}
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "@R{USAGE: revexec exec [options] cmd [args...]}\n")
		os.Exit(1)
	}

	envs := map[string]string{}
	for _, kv := range opts.Exec.Env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "@R{--env value %q is not in KEY=VALUE form}\n", kv)
			os.Exit(1)
		}
		envs[parts[0]] = parts[1]
	}

	var cwd *string
	if opts.Exec.Cwd != "" {
		cwd = &opts.Exec.Cwd
	}

	d, err := revexec.Dial(opts.Exec.Agent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "@R{failed to reach %s: %s}\n", opts.Exec.Agent, err)
		os.Exit(2)
	}
	defer d.Close()

	desc := revexec.ExecDescriptor{
		Cmd:  args[0],
		Args: args[1:],
		Envs: envs,
		Cwd:  cwd,
	}

	code, err := d.Run(desc, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "@R{%s}\n", err)
		os.Exit(2)
	}
	os.Exit(code)
}
