package transport

import (
	"context"
	"fmt"
	"net"

	"go.bug.st/serial"
)

// Dial connects to an agent listening on a TCP address.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Commands are tiny and latency bound.
		_ = tcp.SetNoDelay(true)
	}
	return New(conn, opts), nil
}

// OpenSerial connects to an agent on a serial line.
func OpenSerial(port string, baudRate int, opts Options) (*Client, error) {
	p, err := OpenSerialPort(port, baudRate)
	if err != nil {
		return nil, err
	}
	return New(p, opts), nil
}

// OpenSerialPort opens a raw 8N1 serial port. It is shared with the agent
// side of the link.
func OpenSerialPort(port string, baudRate int) (serial.Port, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", port, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, fmt.Errorf("reset serial %s: %w", port, err)
	}
	return p, nil
}

// ListSerialPorts returns the serial ports present on this machine.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
