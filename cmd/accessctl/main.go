// Command accessctl administers the users, permissions and access log of a
// checkpoint registry.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// run parses argv and invokes the matching subcommand.
func run(ctx context.Context, argv []string, out io.Writer) error {
	if len(argv) < 2 {
		usage(out)
		return fmt.Errorf("missing subcommand")
	}

	cmd, ok := commands[argv[1]]
	switch {
	case ok:
		return cmd(ctx, argv[2:], out)
	case argv[1] == "-h" || argv[1] == "--help" || argv[1] == "help":
		usage(out)
		return nil
	}
	usage(out)
	return fmt.Errorf("unknown subcommand: %s", argv[1])
}

func usage(out io.Writer) {
	fmt.Fprint(out, `accessctl <command> [flags]

Commands:
  add-user     --role ROLE (--tag DECIMAL-UID | --scan READER)
  grant        --reader READER --role ROLE
  revoke       --reader READER --role ROLE
  users        list users
  permissions  list permissions
  logs         [--limit N] list recent access attempts
  migrate      create or update the registry tables

Every command takes --config, see doord.
`)
}
