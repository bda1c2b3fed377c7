package logging

import (
	"log/slog"
	"os"
)

// Setup installs the JSON stdout logger as the slog default and returns it so
// it can be combined with other handlers later.
func Setup(appEnv string) slog.Handler {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: Level(appEnv),
	})
	slog.SetDefault(slog.New(handler))
	return handler
}

// Level is debug in development and info everywhere else.
func Level(appEnv string) slog.Level {
	if appEnv == "development" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
