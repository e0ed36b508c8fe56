// Package rc522 starts MFRC522 sessions for the bus multiplexer. The chip
// keeps no usable state across a bus switch so every session opens the SPI
// port and initialises the chip from scratch.
package rc522

import (
	"errors"
	"fmt"
	"time"

	"github.com/somakeit/checkpoint/bus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/mfrc522"
)

var _ bus.Opener = &Opener{}

// Opener opens MFRC522 sessions on a shared SPI port.
type Opener struct {
	// Port is the SPI port name as per spireg, empty for the first port.
	Port string
	// IRQ is the interrupt line shared by the readers.
	IRQ gpio.PinIO
	// Gain is the antenna gain from 0 to 7.
	Gain int
}

// Open initialises the chip selected by reset, which must already be the
// active select line.
func (o *Opener) Open(reset gpio.PinOut) (bus.Session, error) {
	port, err := spireg.Open(o.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI: %w", err)
	}
	dev, err := mfrc522.NewSPI(port, reset, o.IRQ)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to init reader: %w", err)
	}
	if err := dev.SetAntennaGain(o.Gain); err != nil {
		s := &session{dev: dev, port: port}
		return nil, fmt.Errorf("failed to set antenna gain: %w (close: %v)", err, s.Close())
	}
	return &session{dev: dev, port: port}, nil
}

type session struct {
	dev  *mfrc522.Dev
	port spi.PortCloser
}

func (s *session) ReadUID(timeout time.Duration) ([]byte, error) {
	return s.dev.ReadUID(timeout)
}

// Close halts the chip and frees the SPI port for the next reader.
func (s *session) Close() error {
	return errors.Join(s.dev.Halt(), s.port.Close())
}
