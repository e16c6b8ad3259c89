// genframes prints PMD-USB frames in forms that paste into test code or
// a serial terminal. Device answers come from the simulator.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/lorenzgillner/pmd-usb-logger/internal/parser"
	"github.com/lorenzgillner/pmd-usb-logger/internal/simulator"
	"github.com/lorenzgillner/pmd-usb-logger/pkg/protocol"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Command  string `short:"c" long:"command" default:"ReadValues" description:"Command name or hex code"`
	Response bool   `short:"r" long:"response" description:"Print the device answer instead of the request"`
	Random   bool   `long:"random" description:"Randomize the simulated ADC readings"`
	Count    int    `short:"n" long:"count" default:"1" description:"Number of frames"`
	Seed     int64  `long:"seed" description:"Random seed, 0 uses the clock"`
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cmd, err := parseCommand(opts.Command)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	for i := 0; i < opts.Count; i++ {
		frame := request(cmd)
		if opts.Response {
			frame, err = response(cmd, opts.Random, rng)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		}
		raw := frame.Bytes()

		fmt.Printf("frame %d: %s\n", i+1, frame.Command)
		fmt.Printf("  hex:   %s\n", hex.EncodeToString(raw))
		fmt.Printf("  bytes: % X\n", raw)
		fmt.Printf("  C:     {%s}\n", toCArray(raw))
		fmt.Printf("  Go:    []byte{%s}\n", toGoArray(raw))
		if opts.Response {
			describe(frame)
		}
		fmt.Println()
	}
}

// parseCommand accepts a command name, case-insensitive, or a hex code.
func parseCommand(s string) (protocol.Command, error) {
	for _, cmd := range protocol.NewCatalog(protocol.CatalogOptions{}).Commands() {
		if strings.EqualFold(cmd.String(), s) {
			return cmd, nil
		}
	}
	code, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown command %q", s)
	}
	return protocol.Command(code), nil
}

func request(cmd protocol.Command) protocol.Frame {
	switch cmd {
	case protocol.CmdWriteConfigContinuousTx:
		ct := protocol.ContTxConfig{Enabled: true, TimestampBytes: protocol.TimestampFull, ChannelMask: protocol.MaskAll}
		return protocol.NewFrame(cmd, ct.Payload())
	case protocol.CmdWriteConfigUart:
		return protocol.NewFrame(cmd, protocol.DefaultUartConfig().Payload())
	default:
		return protocol.NewFrame(cmd, nil)
	}
}

func response(cmd protocol.Command, random bool, rng *rand.Rand) (protocol.Frame, error) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	opts := simulator.DefaultOptions()
	if random {
		for ch := range opts.Raw {
			opts.Raw[ch] = rng.Intn(2048)
		}
	}
	dev := simulator.New(opts)
	defer dev.Close()

	if _, err := dev.Write(request(cmd).Bytes()); err != nil {
		return protocol.Frame{}, err
	}

	catalog := protocol.CatalogFor(protocol.SessionConfig{
		ContTx:   protocol.ContTxConfig{ChannelMask: protocol.MaskAll},
		Firmware: opts.Identity.Firmware,
	})
	codec := parser.NewCodec(catalog, log)
	buf := make([]byte, 512)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		n, err := dev.Read(buf)
		if err != nil {
			return protocol.Frame{}, err
		}
		codec.Feed(buf[:n])
		for {
			f, ok := codec.Next()
			if !ok {
				break
			}
			if f.Command == cmd {
				return f, nil
			}
		}
	}
	return protocol.Frame{}, fmt.Errorf("%s: no answer", cmd)
}

func describe(f protocol.Frame) {
	catalog := protocol.CatalogFor(protocol.SessionConfig{
		ContTx:   protocol.ContTxConfig{ChannelMask: protocol.MaskAll},
		Firmware: simulator.DefaultOptions().Identity.Firmware,
	})
	layout, ok := catalog.Lookup(f.Command)
	if !ok {
		return
	}
	vs, err := layout.Header(f.Payload)
	if err != nil {
		fmt.Printf("  decode: %v\n", err)
		return
	}
	printValues("", vs)
	records, _ := layout.Records(f.Payload)
	for i, rec := range records {
		printValues(fmt.Sprintf("[%d].", i), rec)
	}
}

func printValues(prefix string, vs protocol.Values) {
	for _, fv := range vs {
		name := prefix + fv.Field.Name
		if fv.Field.Encoding == protocol.EncodingBytes {
			fmt.Printf("  %-20s %q\n", name, strings.TrimRight(string(fv.Bytes), "\x00"))
			continue
		}
		fmt.Printf("  %-20s %v\n", name, fv.Number())
	}
}

func toCArray(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("0x%02X", b)
	}
	return strings.Join(parts, ", ")
}

func toGoArray(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("0x%02x", b)
	}
	return strings.Join(parts, ", ")
}
