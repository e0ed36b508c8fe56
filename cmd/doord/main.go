package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/somakeit/checkpoint/access"
	"github.com/somakeit/checkpoint/admitter"
	"github.com/somakeit/checkpoint/audit"
	"github.com/somakeit/checkpoint/bus"
	"github.com/somakeit/checkpoint/cmd/internal/setup"
	"github.com/somakeit/checkpoint/config"
	"github.com/somakeit/checkpoint/contextlogger"
	"github.com/somakeit/checkpoint/guard"
	flag "github.com/spf13/pflag"
)

func main() {
	flag.Usage = func() {
		fmt.Println("doord [args]")
		fmt.Println("doord is a multi reader RFID access checkpoint for So Make It.")
		flag.PrintDefaults()
		fmt.Print(`
Raspberry pi wiring (BCM numbering, see config):
  SPI0          - MFRC522 MOSI, MISO, SCK, SDA shared by all readers
  irq_pin       - MFRC522 IRQ shared by all readers (GPIO24)
  select_pin    - MFRC522 RST, one per reader
  grant_pin     - Granted lamp (GPIO20)
  deny_pin      - Denied lamp (GPIO21)
  status_pin    - Optional status LED
`)
	}
	configPath := flag.StringP("config", "c", "/etc/doord/checkpoint.yaml", "Config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Invalid config: ", err)
		flag.Usage()
		os.Exit(2)
	}

	log, closeLog, err := setup.Logger(cfg.Log)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	defer closeLog()
	log.Info("Starting doord")

	ctxLog := &contextlogger.ContextLogger{Logger: log}
	bus.Logger = ctxLog
	audit.Logger = ctxLog
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := setup.Registry(ctx, cfg.Registry, log)
	if err != nil {
		log.Fatal("Failed to open registry: ", err)
	}

	var attempts *audit.Log
	if cfg.AuditAsync() {
		attempts = audit.NewAsync(store, cfg.Audit.Queue)
	} else {
		attempts = audit.New(store)
	}
	attempts.Retries = cfg.AuditRetries()

	// the attempt is recorded before any lamp is held
	admitters := admitter.Mux{
		attempts,
		ctxLog,
	}
	if indicators.Status != nil {
		admitters = append(admitters, indicators.Status)
	}
	// lamps block for their hold time so they go last
	admitters = append(admitters, indicators.Grant, indicators.Deny)

	g := guard.New(readers, access.New(store, admitters))
	g.SweepInterval = cfg.SweepInterval
	g.IgnoreRepeats = cfg.IgnoreRepeats

	log.WithField("readers", readers.Readers()).Info("Ready")
	err = g.Guard(ctx)
	log.Info("Stopping: ", err)

	if err := readers.Release(); err != nil {
		log.Error("Failed to release readers: ", err)
	}
	if err := indicators.Off(); err != nil {
		log.Error("Failed to turn off indicators: ", err)
	}
	if err := attempts.Close(); err != nil {
		log.Error("Failed to flush access log: ", err)
	}
	if err := store.Close(); err != nil {
		log.Error("Failed to close registry: ", err)
	}
	log.Info("Stopped")
}
