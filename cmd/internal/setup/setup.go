// Package setup wires configuration to hardware, storage and logging for
// the checkpoint commands.
package setup

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/somakeit/checkpoint/admitter/lamp"
	"github.com/somakeit/checkpoint/admitter/status"
	"github.com/somakeit/checkpoint/bus"
	"github.com/somakeit/checkpoint/bus/rc522"
	"github.com/somakeit/checkpoint/config"
	"github.com/somakeit/checkpoint/registry"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Logger configures the standard logrus logger from c. The returned func
// closes the log file.
func Logger(c config.LogConfig) (*logrus.Logger, func(), error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	log := logrus.StandardLogger()
	log.Level = level
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if c.File == "-" || c.File == "" {
		log.Out = os.Stdout
		return log, func() {}, nil
	}
	file, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file: %w", err)
	}
	log.Out = file
	return log, func() { _ = file.Close() }, nil
}

// Host initialises the periph.io host drivers.
func Host() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to init host: %w", err)
	}
	return nil
}

// Pin returns the BCM numbered GPIO pin n.
func Pin(n int) (gpio.PinIO, error) {
	name := fmt.Sprintf("GPIO%d", n)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no such pin %s", name)
	}
	return p, nil
}

// Bus returns a Multiplexer with every configured reader registered.
func Bus(c config.Config) (*bus.Multiplexer, error) {
	irq, err := Pin(c.Bus.IRQPin)
	if err != nil {
		return nil, fmt.Errorf("bad irq pin: %w", err)
	}

	m := bus.New(&rc522.Opener{
		Port: c.Bus.SPI,
		IRQ:  irq,
		Gain: c.AntennaGain(),
	})
	m.Settle = c.Bus.Settle
	m.PresenceTimeout = c.Bus.PresenceTimeout

	for _, r := range c.Readers {
		line, err := Pin(r.SelectPin)
		if err != nil {
			return nil, fmt.Errorf("bad select pin for reader %s: %w", r.ID, err)
		}
		if err := m.Register(r.ID, line); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Indicators holds the lamps and the optional status LED.
type Indicators struct {
	Grant  *lamp.Lamp
	Deny   *lamp.Lamp
	Status *status.LED
}

// NewIndicators returns the configured lamps, each driven off, and the
// status LED which counts readers in config order.
func NewIndicators(cfg config.Config) (*Indicators, error) {
	c := cfg.Indicator
	logic := lamp.ActiveHigh
	if c.ActiveLow {
		logic = lamp.ActiveLow
	}

	var ind Indicators
	for _, l := range []struct {
		pin     int
		outcome lamp.Outcome
		lamp    **lamp.Lamp
	}{
		{c.GrantPin, lamp.Granted, &ind.Grant},
		{c.DenyPin, lamp.Denied, &ind.Deny},
	} {
		p, err := Pin(l.pin)
		if err != nil {
			return nil, err
		}
		*l.lamp = lamp.New(p, l.outcome)
		(*l.lamp).HoldFor = c.Hold
		(*l.lamp).Logic = logic
		if err := (*l.lamp).Off(); err != nil {
			return nil, fmt.Errorf("failed to turn off lamp: %w", err)
		}
	}

	if c.StatusPin != 0 {
		p, err := Pin(c.StatusPin)
		if err != nil {
			return nil, err
		}
		readers := make([]string, 0, len(cfg.Readers))
		for _, r := range cfg.Readers {
			readers = append(readers, r.ID)
		}
		ind.Status = status.New(p, logic, readers)
	}
	return &ind, nil
}

// Off turns off every indicator.
func (i *Indicators) Off() error {
	var errs []error
	errs = append(errs, i.Grant.Off(), i.Deny.Off())
	if i.Status != nil {
		errs = append(errs, i.Status.Close())
	}
	return errors.Join(errs...)
}

// Registry opens, and if configured migrates, the store. Driver logs from
// mysql go to log.
func Registry(ctx context.Context, c config.RegistryConfig, log *logrus.Logger) (*registry.Store, error) {
	dialect, err := registry.ParseDialect(c.Driver)
	if err != nil {
		return nil, err
	}
	if dialect == registry.MySQL {
		if err := mysql.SetLogger(log); err != nil {
			return nil, fmt.Errorf("failed to set mysql logger: %w", err)
		}
	}

	store, err := registry.Open(ctx, dialect, c.DSN)
	if err != nil {
		return nil, err
	}
	store.Timeout = c.QueryTimeout

	if c.Migrate {
		if err := store.Migrate(); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}
