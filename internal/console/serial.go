package console

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// OpenSerial opens the console's serial port in 8N1 at the given baud rate.
func OpenSerial(portName string, baudRate int) (io.ReadWriteCloser, error) {
	if portName == "" {
		return nil, fmt.Errorf("serial port is empty")
	}
	if baudRate <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", baudRate)
	}

	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", portName, err)
	}
	return port, nil
}
