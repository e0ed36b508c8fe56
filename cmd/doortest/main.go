// doortest runs the readers and lamps against an in-memory registry, for
// testing the wiring of a checkpoint without a database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/somakeit/checkpoint/access"
	"github.com/somakeit/checkpoint/admitter"
	"github.com/somakeit/checkpoint/audit"
	"github.com/somakeit/checkpoint/bus"
	"github.com/somakeit/checkpoint/cmd/internal/setup"
	"github.com/somakeit/checkpoint/config"
	"github.com/somakeit/checkpoint/contextlogger"
	"github.com/somakeit/checkpoint/credential"
	"github.com/somakeit/checkpoint/guard"
	"github.com/somakeit/checkpoint/registry/static"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", "/etc/doord/checkpoint.yaml", "Config file, only the hardware sections are used")
	tags := flag.StringSlice("tag", nil, "Allowed tag as decimal-uid:role, may be repeated")
	grants := flag.StringSlice("grant", nil, "Permission as reader:role, may be repeated")
	delay := flag.Duration("delay", 0, "Time added to each registry lookup")
	level := flag.String("loglevel", "debug", "log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Invalid config: ", err)
		os.Exit(2)
	}
	cfg.Log.Level = *level
	cfg.Log.File = "-"

	log, closeLog, err := setup.Logger(cfg.Log)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	defer closeLog()
	log.Info("Starting test door")

	reg := static.New()
	reg.Delay = *delay
	for _, t := range *tags {
		tag, role, ok := strings.Cut(t, ":")
		if !ok {
			log.Fatalf("Invalid tag %q, want decimal-uid:role", t)
		}
		c, err := credential.Parse(tag)
		if err != nil {
			log.Fatal(err)
		}
		reg.AddUser(c, role)
	}
	for _, g := range *grants {
		reader, role, ok := strings.Cut(g, ":")
		if !ok {
			log.Fatalf("Invalid grant %q, want reader:role", g)
		}
		reg.Grant(reader, role)
	}

	ctxLog := &contextlogger.ContextLogger{Logger: log}
	bus.Logger = ctxLog
	guard.Logger = ctxLog

	if err := setup.Host(); err != nil {
		log.Fatal(err)
	}
	readers, err := setup.Bus(cfg)
	if err != nil {
		log.Fatal("Failed to init readers: ", err)
	}
	indicators, err := setup.NewIndicators(cfg)
	if err != nil {
		log.Fatal("Failed to init indicators: ", err)
	}

	admitters := admitter.Mux{
		audit.New(reg),
		ctxLog,
	}
	if indicators.Status != nil {
		admitters = append(admitters, indicators.Status)
	}
	// lamps block for their hold time so they go last
	admitters = append(admitters, indicators.Grant, indicators.Deny)

	g := guard.New(readers, access.New(reg, admitters))
	g.SweepInterval = cfg.SweepInterval
	g.IgnoreRepeats = cfg.IgnoreRepeats

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = g.Guard(ctx)
	log.Info("Stopping: ", err)

	if err := readers.Release(); err != nil {
		log.Error("Failed to release readers: ", err)
	}
	if err := indicators.Off(); err != nil {
		log.Error("Failed to turn off indicators: ", err)
	}
	for _, a := range reg.Attempts() {
		log.WithField("reader", a.AccessPoint).Infof("%s %s: %s", a.Time.Format(time.RFC3339), a.Result, a.Message)
	}
}
