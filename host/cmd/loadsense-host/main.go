package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"loadsense/host/mcu"
	"loadsense/host/serial"
)

var (
	device     = flag.String("device", "/dev/ttyACM0", "Serial device path")
	baud       = flag.Int("baud", 250000, "Baud rate (ignored for USB CDC)")
	verbose    = flag.Bool("verbose", false, "Print the full dictionary and raw sample blocks")
	oid        = flag.Uint("oid", 1, "Object ID for the sensor bank")
	pins       = flag.String("pins", "2:3", "Chip pin pairs as dout:sclk[,dout:sclk...] (1-4 chips)")
	gain       = flag.Uint("gain", 1, "Gain/channel selection 1-4 (pulses after the 24 data bits)")
	trailDelay = flag.Bool("trail-delay", true, "Delay after the final gain pulse (disable to test for bad reads)")
	sps        = flag.Float64("sps", 80, "Target sample rate per chip in samples/second")
	duration   = flag.Duration("duration", 10*time.Second, "How long to stream (0 = until interrupted)")
	statusIvl  = flag.Duration("status-interval", 2*time.Second, "Period between status queries (0 = never)")
)

func main() {
	flag.Parse()

	bank, err := parseBankFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	mcuConn := mcu.NewMCU()

	serialCfg := serial.DefaultConfig(*device)
	serialCfg.Baud = *baud

	fmt.Printf("Connecting to MCU on %s...\n", *device)
	if err := mcuConn.ConnectWithConfig(serialCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer mcuConn.Close()

	if err := mcuConn.RetrieveDictionary(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to retrieve dictionary: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		mcuConn.PrintDictionary()
	}

	clockFreq, err := mcuConn.ConfigUint("CLOCK_FREQ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	restTicks := mcu.RestTicksForRate(clockFreq, *sps)
	fmt.Printf("Clock %d Hz, %d chips, %.1f sps -> rest_ticks=%d\n",
		clockFreq, bank.ChipCount, *sps, restTicks)

	// Response plumbing. Handlers run on the transport's read goroutine;
	// they hand work to the main loop through channels.
	restarts := make(chan struct{}, 1)
	shutdowns := make(chan string, 1)
	chipCount := int(bank.ChipCount)
	var nextSequence int64
	var sampleTotal int64

	mcuConn.OnResponse("sensor_bulk_data", func(r *mcu.DecodedResponse) {
		if r.Values["oid"] != int64(bank.OID) {
			return
		}
		if seq := r.Values["sequence"]; seq != nextSequence {
			fmt.Printf("! sequence gap: expected %d got %d\n", nextSequence, seq)
		}
		nextSequence = r.Values["sequence"] + 1

		samples, err := mcu.DecodeSamples(r.Bytes["data"])
		if err != nil {
			fmt.Printf("! bad sample block: %v\n", err)
			return
		}
		printSamples(samples, chipCount)
		sampleTotal += int64(len(samples))
	})

	mcuConn.OnResponse("reset_hx71x", func(r *mcu.DecodedResponse) {
		if r.Values["oid"] != int64(bank.OID) {
			return
		}
		fmt.Println("! board reported a timing reset, restarting capture")
		select {
		case restarts <- struct{}{}:
		default:
		}
	})

	mcuConn.OnResponse("sensor_bulk_status", func(r *mcu.DecodedResponse) {
		fmt.Printf("status: clock=%d buffered=%d next_sequence=%d possible_overflows=%d\n",
			r.Values["clock"], r.Values["buffered"],
			r.Values["next_sequence"], r.Values["possible_overflows"])
	})

	mcuConn.OnResponse("shutdown", func(r *mcu.DecodedResponse) {
		select {
		case shutdowns <- string(r.Bytes["reason"]):
		default:
		}
	})

	if err := mcuConn.ConfigureBank(bank); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to configure bank: %v\n", err)
		os.Exit(1)
	}
	if err := mcuConn.StartCapture(bank.OID, restTicks); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to start capture: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Streaming samples (Ctrl-C to stop)...")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}
	var statusTick <-chan time.Time
	if *statusIvl > 0 {
		ticker := time.NewTicker(*statusIvl)
		defer ticker.Stop()
		statusTick = ticker.C
	}

	running := true
	for running {
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			running = false

		case <-deadline:
			running = false

		case <-statusTick:
			if err := mcuConn.QueryStatus(bank.OID); err != nil {
				fmt.Printf("! status query failed: %v\n", err)
			}

		case <-restarts:
			// The board halted the capture timer and parked the clock
			// lines high; a fresh query restarts from a clean state.
			nextSequence = 0
			if err := mcuConn.StartCapture(bank.OID, restTicks); err != nil {
				fmt.Printf("! restart failed: %v\n", err)
				running = false
			}

		case reason := <-shutdowns:
			fmt.Fprintf(os.Stderr, "Error: MCU shutdown: %s\n", reason)
			running = false
		}
	}

	if err := mcuConn.StopCapture(bank.OID); err != nil {
		fmt.Printf("! stop failed: %v\n", err)
	}
	// Let the final buffered reports drain before closing the port
	time.Sleep(200 * time.Millisecond)
	fmt.Printf("Done: %d samples received\n", sampleTotal)
}

// parseBankFlags builds the bank configuration from the command line
func parseBankFlags() (*mcu.BankConfig, error) {
	bank := &mcu.BankConfig{
		OID:         uint8(*oid),
		GainChannel: uint8(*gain),
		TrailDelay:  *trailDelay,
	}

	pairs := strings.Split(*pins, ",")
	if len(pairs) < 1 || len(pairs) > mcu.MaxChips {
		return nil, fmt.Errorf("need 1-%d pin pairs, got %d", mcu.MaxChips, len(pairs))
	}
	for i, pair := range pairs {
		dout, sclk, err := parsePinPair(pair)
		if err != nil {
			return nil, err
		}
		bank.DoutPins[i] = dout
		bank.SclkPins[i] = sclk
	}
	bank.ChipCount = uint8(len(pairs))
	return bank, nil
}

func parsePinPair(pair string) (uint32, uint32, error) {
	colon := strings.IndexByte(pair, ':')
	if colon < 0 {
		return 0, 0, fmt.Errorf("pin pair %q is not dout:sclk", pair)
	}
	dout, err := strconv.ParseUint(pair[:colon], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad dout pin in %q: %w", pair, err)
	}
	sclk, err := strconv.ParseUint(pair[colon+1:], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad sclk pin in %q: %w", pair, err)
	}
	return uint32(dout), uint32(sclk), nil
}

// printSamples writes one line per conversion cycle with a column per chip
func printSamples(samples []int32, chipCount int) {
	for i := 0; i < len(samples); i += chipCount {
		var line strings.Builder
		for c := 0; c < chipCount && i+c < len(samples); c++ {
			if c > 0 {
				line.WriteByte(' ')
			}
			fmt.Fprintf(&line, "%10d", samples[i+c])
		}
		fmt.Println(line.String())
	}
}
