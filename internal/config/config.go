// Package config loads the master's runtime parameters from
// environment variables, following the flag-based defaults the
// teacher's entrypoint uses for the same settings.
package config

import (
	"os"
	"strconv"

	"github.com/tardorhp/canmaster/pkg/firmware"
)

// Config holds every environment-driven parameter the entrypoint
// needs to bring up the bus, the commissioning engine and the
// firmware upload orchestrator.
type Config struct {
	Interface       string
	NodeId          uint8
	FirmwarePath    string
	RegistryPath    string
	MaxChunkBytes   int
	FirmwareVersion uint16
	TargetBank      uint8
	ImageType       firmware.ImageType
}

func Default() Config {
	return Config{
		Interface:       "can0",
		NodeId:          0x01,
		FirmwarePath:    "",
		RegistryPath:    "canmaster-registry.ini",
		MaxChunkBytes:   firmware.DefaultMaxChunkBytes,
		FirmwareVersion: 0,
		TargetBank:      1,
		ImageType:       firmware.ImageMain,
	}
}

// LoadFromEnv overlays CANMASTER_* environment variables onto the
// defaults, ignoring any variable that is unset or fails to parse.
func LoadFromEnv() Config {
	cfg := Default()

	if v := os.Getenv("CANMASTER_INTERFACE"); v != "" {
		cfg.Interface = v
	}
	if v := os.Getenv("CANMASTER_NODE_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 8); err == nil {
			cfg.NodeId = uint8(n)
		}
	}
	if v := os.Getenv("CANMASTER_FIRMWARE_DIR"); v != "" {
		cfg.FirmwarePath = v
	}
	if v := os.Getenv("CANMASTER_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("CANMASTER_MAX_CHUNK_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxChunkBytes = n
		}
	}
	if v := os.Getenv("CANMASTER_FIRMWARE_VERSION"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 16); err == nil {
			cfg.FirmwareVersion = uint16(n)
		}
	}
	if v := os.Getenv("CANMASTER_TARGET_BANK"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 8); err == nil {
			cfg.TargetBank = uint8(n)
		}
	}

	return cfg
}
