// Command canmaster commissions unconfigured CANopen slaves via LSS
// fastscan and pushes firmware to every configured node over SDO.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	canopen "github.com/tardorhp/canmaster"
	"github.com/tardorhp/canmaster/internal/config"
	"github.com/tardorhp/canmaster/internal/master"
	"github.com/tardorhp/canmaster/pkg/firmware"
	"github.com/tardorhp/canmaster/pkg/lss"
	"github.com/tardorhp/canmaster/pkg/sdo"
)

const (
	mainTickPeriod     = 10 * time.Millisecond
	periodicTickPeriod = 10 * time.Millisecond
	registrySavePeriod = 5 * time.Second
)

func main() {
	log.SetLevel(log.InfoLevel)
	cfg := config.LoadFromEnv()

	bus, err := canopen.NewSocketcanBus(cfg.Interface)
	if err != nil {
		fmt.Printf("could not connect to interface %v : %v\n", cfg.Interface, err)
		os.Exit(1)
	}
	busManager := canopen.NewBusManager(bus)
	bus.Subscribe(busManager)
	if err := bus.Connect(); err != nil {
		fmt.Printf("could not bring up bus: %v\n", err)
		os.Exit(1)
	}

	lssMaster, err := lss.NewLSSMaster(busManager, lss.DefaultTimeout)
	if err != nil {
		fmt.Printf("could not start LSS master: %v\n", err)
		os.Exit(1)
	}

	registry := lss.NewRegistry(cfg.RegistryPath)
	if err := registry.Load(); err != nil {
		log.WithError(err).Warn("could not load node registry, starting empty")
	}

	sdoClient, err := sdo.NewClient(busManager, cfg.NodeId, sdo.DefaultClientTimeout)
	if err != nil {
		fmt.Printf("could not start SDO client: %v\n", err)
		os.Exit(1)
	}
	transport := firmware.NewSDOTransport(sdoClient)

	planFactory := func(nodeId uint8) (firmware.UploadPlan, error) {
		if cfg.FirmwarePath == "" {
			return firmware.UploadPlan{}, fmt.Errorf("CANMASTER_FIRMWARE_DIR not set")
		}
		return firmware.LoadPlan(cfg.FirmwarePath, nodeId, cfg.FirmwareVersion, cfg.ImageType, cfg.TargetBank, cfg.MaxChunkBytes, 0)
	}

	ctx := master.NewContext(busManager, lssMaster, registry, cfg.NodeId, transport, planFactory)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go runPeriodicTick(ctx, done)
	go saveRegistryPeriodically(registry, done)

	runMainTick(ctx, signals, done)

	if err := registry.Save(); err != nil {
		log.WithError(err).Warn("could not save node registry on exit")
	}
}

func runMainTick(ctx *master.Context, stop <-chan os.Signal, done chan<- struct{}) {
	last := time.Now()
	ticker := time.NewTicker(mainTickPeriod)
	defer ticker.Stop()
	defer close(done)

	for {
		select {
		case <-stop:
			log.Info("shutting down")
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			ctx.Process(elapsed)
		}
	}
}

func runPeriodicTick(ctx *master.Context, done <-chan struct{}) {
	last := time.Now()
	ticker := time.NewTicker(periodicTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			ctx.ProcessPeriodic(elapsed)
		}
	}
}

func saveRegistryPeriodically(registry *lss.Registry, done <-chan struct{}) {
	ticker := time.NewTicker(registrySavePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := registry.Save(); err != nil {
				log.WithError(err).Warn("could not save node registry")
			}
		}
	}
}
