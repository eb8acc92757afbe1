package hw

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPI is a byte-oriented full-duplex bus. Transfer clocks len(w) bytes out
// while reading the same number of bytes back into r. len(w) must equal
// len(r). Chip select is NOT handled here; the caller drives its own CS line
// so that a multi-byte command stays inside one CS assertion.
type SPI interface {
	Transfer(w, r []byte) error
	Close() error
}

type periphSPI struct {
	port spi.PortCloser
	conn spi.Conn
}

// OpenSPI opens a spidev port (e.g. "/dev/spidev0.0" or "SPI0.0") in Mode 0
// at the given clock speed. The nRF24L01+ tolerates up to 10 MHz.
func OpenSPI(device string, speedHz int) (SPI, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}

	port, err := spireg.Open(device)
	if err != nil {
		return nil, fmt.Errorf("open spi port %q: %w", device, err)
	}

	conn, err := port.Connect(physic.Frequency(speedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("connect spi %q: %w", device, err)
	}

	return &periphSPI{port: port, conn: conn}, nil
}

func (s *periphSPI) Transfer(w, r []byte) error {
	if len(w) != len(r) {
		return fmt.Errorf("spi transfer length mismatch: w=%d r=%d", len(w), len(r))
	}
	if err := s.conn.Tx(w, r); err != nil {
		return fmt.Errorf("spi transfer: %w", err)
	}
	return nil
}

func (s *periphSPI) Close() error {
	return s.port.Close()
}
