package main

import (
	"fmt"
	"log"
	"os"

	"microscopy-analyzer/internal/cli"
	"microscopy-analyzer/internal/config"
	"microscopy-analyzer/internal/daemon"
	"microscopy-analyzer/internal/logger"

	"github.com/kardianos/service"
)

func main() {
	svcConfig := &service.Config{
		Name:        "mscope",
		DisplayName: "Microscopy Analyzer",
		Description: "Uploads microscopy samples from a drop folder and collects their analyses.",
		Arguments:   []string{"run"},
		Option: service.KeyValue{
			"UserService": true,
		},
	}

	prg := &daemon.Daemon{}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	sysLogger, err := s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	cfgPath, err := daemon.ConfigPath()
	if err != nil {
		log.Fatal(err)
	}
	// The full config is loaded again on Start; only log settings matter here.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logFile := logger.NewRotatingFile(cfg.LogPath, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogCompress)
	defer logFile.Close()
	log.SetOutput(logFile)

	// Only the service itself reports to the system log.
	var svcLogger service.Logger
	if !service.Interactive() {
		svcLogger = sysLogger
	}
	prg.Logger = logger.Setup(svcLogger, logFile, cfg.LogLevel)
	prg.CfgPath = cfgPath

	rootCmd := cli.NewRootCmd(s, prg.Logger, cfg.LogPath, cfgPath)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
