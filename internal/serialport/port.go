// Package serialport adapts a USB-serial device node to the session
// Transport contract.
package serialport

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Config describes the host side of the link. The PMD always uses 8N1.
type Config struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

// Port is an open serial link.
type Port struct {
	mu   sync.Mutex
	port serial.Port
	cfg  Config
	log  *logrus.Logger
}

func mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open opens the device node and sets the read timeout, so Read returns
// zero bytes instead of blocking forever.
func Open(cfg Config, log *logrus.Logger) (*Port, error) {
	p, err := serial.Open(cfg.Port, mode(cfg.BaudRate))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Port, err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		log.Warnf("flush %s: %v", cfg.Port, err)
	}

	log.WithFields(logrus.Fields{
		"port":      cfg.Port,
		"baud_rate": cfg.BaudRate,
	}).Info("serial port opened")
	return &Port{port: p, cfg: cfg, log: log}, nil
}

func (p *Port) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *Port) Close() error {
	return p.port.Close()
}

// SetBaudRate switches the host side speed.
func (p *Port) SetBaudRate(baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.port.SetMode(mode(baud)); err != nil {
		return fmt.Errorf("set baud rate %d on %s: %w", baud, p.cfg.Port, err)
	}
	p.cfg.BaudRate = baud
	p.log.Debugf("host baud rate now %d", baud)
	return nil
}

// BaudRate returns the current host side speed.
func (p *Port) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.BaudRate
}
