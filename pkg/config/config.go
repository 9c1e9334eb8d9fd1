// Package config loads the simulator configuration from a JSON file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"kernsim/pkg/memory"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every tunable of the simulator.
type Config struct {
	RAMSize            int    `json:"ram_size"`
	PageSize           int    `json:"page_size"`
	Quantum            int    `json:"quantum"`
	AllocPolicy        string `json:"alloc_policy"`
	DefaultProcessSize int    `json:"default_process_size"`
	MailboxCapacity    int    `json:"mailbox_capacity"`
	MaxThreads         int    `json:"max_threads"`
	MaxProcessMemory   int    `json:"max_process_memory"`
	DiskPath           string `json:"disk_path"`
	DiskBlocks         int    `json:"disk_blocks"`
	DiskBlockSize      int    `json:"disk_block_size"`
	SwapBlocks         int    `json:"swap_blocks"`
	TickIntervalMs     int    `json:"tick_interval_ms"`
	LogLevel           string `json:"log_level"`
	LogFile            string `json:"log_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RAMSize:            4096,
		PageSize:           128,
		Quantum:            4,
		AllocPolicy:        string(memory.FirstFit),
		DefaultProcessSize: 256,
		MailboxCapacity:    16,
		MaxThreads:         8,
		MaxProcessMemory:   0,
		DiskPath:           "disco.bin",
		DiskBlocks:         256,
		DiskBlockSize:      128,
		SwapBlocks:         64,
		TickIntervalMs:     500,
		LogLevel:           "INFO",
	}
}

// Load reads filePath over the defaults. Keys missing from the file keep
// their default value.
func Load(filePath string) (Config, error) {
	cfg := Default()

	configFile, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer configFile.Close()

	jsonParser := json.NewDecoder(configFile)
	jsonParser.DisallowUnknownFields()
	if err := jsonParser.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filePath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"ram_size", c.RAMSize},
		{"page_size", c.PageSize},
		{"quantum", c.Quantum},
		{"default_process_size", c.DefaultProcessSize},
		{"disk_blocks", c.DiskBlocks},
		{"disk_block_size", c.DiskBlockSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}

	notNegative := []struct {
		name  string
		value int
	}{
		{"mailbox_capacity", c.MailboxCapacity},
		{"max_threads", c.MaxThreads},
		{"max_process_memory", c.MaxProcessMemory},
		{"swap_blocks", c.SwapBlocks},
		{"tick_interval_ms", c.TickIntervalMs},
	}
	for _, p := range notNegative {
		if p.value < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}

	if c.PageSize > c.DiskBlockSize {
		return fmt.Errorf("%w: page_size %d exceeds disk_block_size %d", ErrInvalidConfig, c.PageSize, c.DiskBlockSize)
	}
	if c.SwapBlocks > c.DiskBlocks {
		return fmt.Errorf("%w: swap_blocks %d exceeds disk_blocks %d", ErrInvalidConfig, c.SwapBlocks, c.DiskBlocks)
	}
	if c.DefaultProcessSize > c.RAMSize {
		return fmt.Errorf("%w: default_process_size %d exceeds ram_size %d", ErrInvalidConfig, c.DefaultProcessSize, c.RAMSize)
	}
	if _, err := memory.ParsePolicy(c.AllocPolicy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.DiskPath == "" {
		return fmt.Errorf("%w: disk_path is empty", ErrInvalidConfig)
	}
	return nil
}
