package logger

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Init installs a text handler writing to path as the default logger.
func Init(path, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return nil
}
