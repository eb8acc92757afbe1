// Command slotrf runs one end of the TDMA slot link: it owns the transceiver
// over spidev/gpiochip, serves the line console on a serial port (or stdio),
// and optionally logs received slot traffic to sqlite.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"slotrf/internal/bus"
	"slotrf/internal/config"
	"slotrf/internal/console"
	"slotrf/internal/hw"
	"slotrf/internal/logging"
	"slotrf/internal/manager"
	"slotrf/internal/nrf24"
	"slotrf/internal/persistence"
	"slotrf/internal/slotlink"
)

// maxCatchUpMs bounds how many missed millisecond ticks the poll loop
// replays after a stall; beyond that the schedule resynchronizes instead of
// fast-forwarding.
const maxCatchUpMs = 250

func main() {
	if err := run(); err != nil {
		slog.Error("run slotrf", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "slotrf.json", "path to the config file")
	serialPort := flag.String("serial", "", "console serial port (overrides config; empty config means stdio)")
	logFile := flag.String("log-file", "slotrf.log", "log file path, used when logging to file is enabled")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(*serialPort) != "" {
		cfg.Connection.SerialPort = strings.TrimSpace(*serialPort)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logMgr := logging.NewManager()
	// Logs go to stderr: on a stdio console stdout belongs to the command
	// surface.
	if err := logMgr.Configure(cfg.Logging, *logFile, os.Stderr); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("main")

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	if cfg.Storage.Enabled {
		db, err := persistence.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open slot log db: %w", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				logger.Warn("close slot log db", "error", closeErr)
			}
		}()

		persistence.StartSlotLog(ctx, logMgr.Logger("persistence"), b,
			persistence.NewSlotUpdateRepo(db),
			time.Duration(cfg.Storage.RetentionHours)*time.Hour)
	}

	spiBus, err := hw.OpenSPI(cfg.Hardware.SPIDevice, cfg.Hardware.SPISpeedHz)
	if err != nil {
		return fmt.Errorf("open spi: %w", err)
	}
	defer func() { _ = spiBus.Close() }()

	cs, err := hw.RequestOutput(cfg.Hardware.GPIOChip, cfg.Hardware.CSLine, "slotrf-cs", true)
	if err != nil {
		return fmt.Errorf("request cs line: %w", err)
	}
	defer func() { _ = cs.Close() }()

	ce, err := hw.RequestOutput(cfg.Hardware.GPIOChip, cfg.Hardware.CELine, "slotrf-ce", false)
	if err != nil {
		return fmt.Errorf("request ce line: %w", err)
	}
	defer func() { _ = ce.Close() }()

	irq, err := hw.RequestInput(cfg.Hardware.GPIOChip, cfg.Hardware.IRQLine, "slotrf-irq")
	if err != nil {
		return fmt.Errorf("request irq line: %w", err)
	}
	defer func() { _ = irq.Close() }()

	clock := hw.NewClock()

	fatalf := func(format string, args ...any) {
		logger.Error("fatal radio error", "reason", fmt.Sprintf(format, args...))
		os.Exit(2)
	}

	var rw io.ReadWriter
	if cfg.Connection.SerialPort != "" {
		port, err := console.OpenSerial(cfg.Connection.SerialPort, cfg.Connection.SerialBaud)
		if err != nil {
			return fmt.Errorf("open console serial: %w", err)
		}
		defer func() { _ = port.Close() }()
		rw = port
	} else {
		rw = stdioStream{}
	}
	cons := console.New(logMgr.Logger("console"), rw)

	mgr := manager.New(manager.Options{
		Logger:     logMgr.Logger("manager"),
		Bus:        b,
		Emitter:    cons,
		Config:     cfg,
		ConfigPath: *configPath,
		NewRadio: func(o nrf24.Options) slotlink.Radio {
			return nrf24.New(clock, spiBus, cs, ce, irq, o)
		},
		Fatalf: fatalf,
	})
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}
	mgr.Register(cons)
	cons.Start(ctx)

	logger.Info("slotrf running",
		"ptx", cfg.Radio.PTX,
		"id", fmt.Sprintf("%08x", cfg.Radio.ID),
		"console", consoleName(cfg))

	// Cooperative single-threaded core: drain console commands, service the
	// radio, and replay one PollMillisecond per elapsed millisecond.
	last := clock.NowMillis()
	for ctx.Err() == nil {
		cons.Poll()
		mgr.Poll()

		now := clock.NowMillis()
		if now-last > maxCatchUpMs {
			logger.Warn("poll loop stalled", "missed_ms", now-last)
			last = now - maxCatchUpMs
		}
		for last != now {
			last++
			mgr.PollMillisecond()
		}

		time.Sleep(200 * time.Microsecond)
	}

	logger.Info("shutting down")
	return nil
}

func consoleName(cfg config.AppConfig) string {
	if cfg.Connection.SerialPort != "" {
		return cfg.Connection.SerialPort
	}
	return "stdio"
}

// stdioStream serves the console on the process's own stdin/stdout.
type stdioStream struct{}

func (stdioStream) Read(p []byte) (int, error) { return os.Stdin.Read(p) }

func (stdioStream) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
