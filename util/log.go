// Package util holds small process-level concerns shared by every cmd
// entrypoint: logger setup and systemd readiness notification.
package util

import (
	"os"

	"go.uber.org/zap"
)

// S is the global sugared logger, set up by SetupLog.
var S *zap.SugaredLogger

// SetupLog builds the global logger. Setting DEBUG=1 in the environment
// switches to zap's development config (human-readable, debug level);
// otherwise the production JSON config is used.
func SetupLog() error {
	var logger *zap.Logger
	var err error
	if os.Getenv("DEBUG") != "" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	S = logger.Sugar()
	return nil
}
