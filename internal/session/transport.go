package session

import "io"

// Transport is the byte channel to the device.
//
// Read may return fewer bytes than requested, including zero bytes with a
// nil error when its read timeout elapses. It must return within a bounded
// interval so pending operations can observe cancellation.
type Transport interface {
	io.ReadWriteCloser
}

// BaudRateSetter is implemented by transports that can change the host
// side of the link after the device accepted a new UART setting.
type BaudRateSetter interface {
	SetBaudRate(baud int) error
}
