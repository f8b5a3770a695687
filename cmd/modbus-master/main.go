package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/grid-x/mbmaster"
	"github.com/grid-x/mbmaster/internal/config"
	"github.com/grid-x/mbmaster/internal/snapshot"
)

type writeOption struct {
	register    uint16
	fnCode      int
	slaveID     byte
	value       float64
	eType       string
	forcedOrder string
	order       binary.ByteOrder
}

func main() {
	fs := pflag.NewFlagSet("modbus-master", pflag.ExitOnError)
	var (
		configFile      = fs.String("config", "", "Path to config file")
		once            = fs.Bool("once", false, "run every poll once and print the results as YAML")
		register        = fs.Int("register", -1, "register to write")
		fnCode          = fs.Int("fn-code", 0x10, "write function code: 5, 6 or 16")
		slaveID         = fs.Int("slaveID", 1, "slave id of the write")
		writeValue      = fs.Float64("write-value", math.MaxFloat64, "value to write")
		eType           = fs.String("type-exec", "uint16", "type of the written value: uint16, int16, uint32, int32, float32, float64")
		writeParseOrder = fs.String("write-exec-order", "", "order to execute the register(s) that should be written to. Valid values: [AB, BA, ABCD, DCBA, BADC, CDAB]. If used, it will overwrite the big-endian or little-endian parameter.")
		execBigEndian   = fs.Bool("order-exec-bigendian", true, "t: big, f: little")
	)
	config.BindFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configFile, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)
	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var trace printfLogger
	if cfg.Log.Frame {
		trace = &debugAdapter{slog.Default()}
	}
	handler, err := newHandler(cfg.Link, trace)
	if err != nil {
		slog.Error("invalid link", "err", err)
		os.Exit(1)
	}

	masters := cfg.Master.Masters
	if masters < 1 {
		masters = 1
	}
	// mbmaster.Config reads 0 as "use the default"
	retries := cfg.Master.Retries
	if retries == 0 {
		retries = mbmaster.NoRetries
	}
	m := mbmaster.New(mbmaster.Config{
		Masters:     masters,
		RespTimeout: cfg.Master.RespTimeout,
		Retries:     retries,
		GateRetries: cfg.Master.GateRetries,
		Logger:      trace,
	})
	link := mbmaster.NewLink(m, handler)
	link.TickInterval = cfg.Master.TickInterval
	link.Logger = trace

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	linkDone := make(chan struct{})
	go func() {
		defer close(linkDone)
		link.Run(ctx)
	}()

	err = run(ctx, cfg, m, link, fs.Changed("write-value"), writeOption{
		register:    uint16(*register),
		fnCode:      *fnCode,
		slaveID:     byte(*slaveID),
		value:       *writeValue,
		eType:       *eType,
		forcedOrder: *writeParseOrder,
		order:       byteOrder(*execBigEndian),
	}, *once, *register)

	stop()
	<-linkDone
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, m *mbmaster.Master, link *mbmaster.Link, write bool, w writeOption, once bool, register int) error {
	switch {
	case write:
		if register > math.MaxUint16 || register < 0 {
			return fmt.Errorf("invalid register value: %d", register)
		}
		if err := runWrite(ctx, m, link, w); err != nil {
			return err
		}
		slog.Info("write done", "register", register, "value", w.value)
		return nil
	case once:
		return runOnce(ctx, m, link, cfg.Polls, os.Stdout)
	}

	var snap *snapshot.Snapshot
	if cfg.Snapshot.Path != "" {
		var err error
		if snap, err = snapshot.Open(cfg.Snapshot.Path); err != nil {
			return err
		}
		defer func() {
			if err := snap.Flush(); err != nil {
				slog.Error("snapshot flush failed", "err", err)
			}
			snap.Close()
		}()
	}
	slog.Info("Starting Modbus master...", "link", cfg.Link.Address, "polls", len(cfg.Polls))
	err := runDaemon(ctx, m, link, cfg.Polls, snap)
	slog.Info("Goodbye.")
	return err
}

func byteOrder(bigEndian bool) binary.ByteOrder {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
