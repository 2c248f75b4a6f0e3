package config

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var logFormats = map[string]logging.LogFormat{
	"color": logging.ColorizedOutput,
	"plain": logging.PlaintextOutput,
	"json":  logging.JSONOutput,
}

// Apply configures every go-log logger of the process.
func (l Log) Apply() error {
	lvl, err := logging.LevelFromString(l.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	format, ok := logFormats[l.Format]
	if !ok {
		return fmt.Errorf("log.format: unknown format %q", l.Format)
	}

	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})
	return nil
}

// ApplyLevel changes the level of all loggers without touching outputs.
func (l Log) ApplyLevel() error {
	lvl, err := logging.LevelFromString(l.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}
