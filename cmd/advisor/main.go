package main

import (
	"context"
	"fmt"
	"os"

	"smartarb-advisor/internal/cli"
	"smartarb-advisor/internal/logging"
)

func main() {
	// File logging starts once the config is loaded.
	logCfg := logging.DefaultLogConfig()
	logCfg.File = false
	logger := logging.NewLoggerWithConfig(logCfg)

	rootCmd := cli.NewRootCmd(logger)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
