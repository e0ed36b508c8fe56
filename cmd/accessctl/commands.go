package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/somakeit/checkpoint/cmd/internal/setup"
	"github.com/somakeit/checkpoint/config"
	"github.com/somakeit/checkpoint/credential"
	"github.com/somakeit/checkpoint/registry"
	flag "github.com/spf13/pflag"
)

const defaultConfig = "/etc/doord/checkpoint.yaml"

type command func(ctx context.Context, args []string, out io.Writer) error

var commands = map[string]command{
	"add-user":    addUser,
	"grant":       grant,
	"revoke":      revoke,
	"users":       users,
	"permissions": permissions,
	"logs":        logs,
	"migrate":     migrate,
}

// scanner reads a tag from a reader, it is replaced in tests.
var scanner = scanHardware

// newFlagSet returns a flag set with the shared --config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.StringP("config", "c", defaultConfig, "Config file")
	return fs, path
}

// withStore opens the configured registry for the duration of fn.
func withStore(ctx context.Context, path string, fn func(cfg config.Config, s *registry.Store) error) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log := logrus.New()
	log.Out = io.Discard
	s, err := setup.Registry(ctx, cfg.Registry, log)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(cfg, s)
}

func addUser(ctx context.Context, args []string, out io.Writer) error {
	fs, path := newFlagSet("add-user")
	tag := fs.String("tag", "", "Tag UID as a decimal number")
	scan := fs.String("scan", "", "Read the tag from this reader")
	timeout := fs.Duration("timeout", 30*time.Second, "Time to wait for a scanned tag")
	role := fs.String("role", "", "Role of the user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *role == "" {
		return errors.New("--role is required")
	}
	if (*tag == "") == (*scan == "") {
		return errors.New("exactly one of --tag or --scan is required")
	}

	var c credential.Credential
	if *tag != "" {
		var err error
		if c, err = credential.Parse(*tag); err != nil {
			return err
		}
	}

	return withStore(ctx, *path, func(cfg config.Config, s *registry.Store) error {
		if *scan != "" {
			fmt.Fprintf(out, "Present the tag to %s...\n", *scan)
			var err error
			if c, err = scanner(ctx, cfg, *scan, *timeout); err != nil {
				return err
			}
			fmt.Fprintln(out, "Tag scanned")
		}

		created, err := s.CreateUser(ctx, c, *role)
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintln(out, "User already exists, unchanged")
			return nil
		}
		fmt.Fprintf(out, "Added user %s with role %s\n", c.Fingerprint().Short(), *role)
		return nil
	})
}

func grant(ctx context.Context, args []string, out io.Writer) error {
	return permission(ctx, "grant", args, out, func(s *registry.Store, reader, role string) (bool, error) {
		return s.GrantRole(ctx, reader, role)
	}, "Granted %s at %s\n", "%s was already granted at %s\n")
}

func revoke(ctx context.Context, args []string, out io.Writer) error {
	return permission(ctx, "revoke", args, out, func(s *registry.Store, reader, role string) (bool, error) {
		return s.RevokeRole(ctx, reader, role)
	}, "Revoked %s at %s\n", "%s was not granted at %s\n")
}

func permission(ctx context.Context, name string, args []string, out io.Writer,
	fn func(s *registry.Store, reader, role string) (bool, error), changed, unchanged string,
) error {
	fs, path := newFlagSet(name)
	reader := fs.String("reader", "", "Reader, the access point ID")
	role := fs.String("role", "", "Role")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *reader == "" || *role == "" {
		return errors.New("--reader and --role are required")
	}

	return withStore(ctx, *path, func(_ config.Config, s *registry.Store) error {
		ok, err := fn(s, *reader, *role)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(out, changed, *role, *reader)
			return nil
		}
		fmt.Fprintf(out, unchanged, *role, *reader)
		return nil
	})
}

func users(ctx context.Context, args []string, out io.Writer) error {
	fs, path := newFlagSet("users")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withStore(ctx, *path, func(_ config.Config, s *registry.Store) error {
		us, err := s.Users(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FINGERPRINT\tROLE")
		for _, u := range us {
			fmt.Fprintf(w, "%s\t%s\n", u.Fingerprint.Short(), u.Role)
		}
		return w.Flush()
	})
}

func permissions(ctx context.Context, args []string, out io.Writer) error {
	fs, path := newFlagSet("permissions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withStore(ctx, *path, func(_ config.Config, s *registry.Store) error {
		gs, err := s.Grants(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "READER\tROLE")
		for _, g := range gs {
			fmt.Fprintf(w, "%s\t%s\n", g.AccessPoint, g.Role)
		}
		return w.Flush()
	})
}

func logs(ctx context.Context, args []string, out io.Writer) error {
	fs, path := newFlagSet("logs")
	limit := fs.IntP("limit", "n", 50, "Number of attempts to show, newest first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withStore(ctx, *path, func(_ config.Config, s *registry.Store) error {
		as, err := s.Attempts(ctx, *limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tREADER\tFINGERPRINT\tRESULT\tMESSAGE")
		for _, a := range as {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.Time.Local().Format(time.DateTime), a.AccessPoint, a.Fingerprint.Short(), a.Result, a.Message)
		}
		return w.Flush()
	})
}

func migrate(ctx context.Context, args []string, out io.Writer) error {
	fs, path := newFlagSet("migrate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withStore(ctx, *path, func(_ config.Config, s *registry.Store) error {
		if err := s.Migrate(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Registry is up to date")
		return nil
	})
}

// scanHardware polls reader until a tag is presented or timeout elapses.
func scanHardware(ctx context.Context, cfg config.Config, reader string, timeout time.Duration) (credential.Credential, error) {
	if err := setup.Host(); err != nil {
		return "", err
	}
	readers, err := setup.Bus(cfg)
	if err != nil {
		return "", err
	}
	defer readers.Release()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		c, present, err := readers.Poll(ctx, reader)
		if err != nil {
			return "", err
		}
		if present {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no tag scanned: %w", ctx.Err())
		case <-time.After(cfg.SweepInterval):
		}
	}
}
