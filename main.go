//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	usage = `IOVA manager daemon

The IOVA manager daemon keeps the I/O virtual address space of a set of
IOMMU domains: it carves out their reserved regions and hands out
DMA-mappable address ranges.`

	runDirDefault     = "/run/iova-mgr"
	configFileDefault = "/etc/iova-mgr/config.toml"
	pidFileName       = "iova-mgr.pid"
)

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest iova-mgr's git commit-id
	builtAt  string // build time
	builtBy  string // build owner
)

func main() {
	app := cli.NewApp()
	app.Name = "iova-mgr"
	app.Usage = usage

	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log, l",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text (default = text)",
		},
		cli.StringFlag{
			Name:  "config, c",
			Value: configFileDefault,
			Usage: "path to the iova-mgr config file",
		},
		cli.StringFlag{
			Name:  "run-dir",
			Value: runDirDefault,
			Usage: "directory for the iova-mgr pid file",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "show",
			Usage:  "set up the domains in the config file, print their layout and exit",
			Action: showDomains,
		},
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("iova-mgr\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				return err
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if logFormat := ctx.GlobalString("log-format"); logFormat == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
			})
		}

		// Set desired log-level.
		if logLevel := ctx.GlobalString("log-level"); logLevel != "" {
			switch logLevel {
			case "debug":
				logrus.SetLevel(logrus.DebugLevel)
			case "info":
				logrus.SetLevel(logrus.InfoLevel)
			case "warning":
				logrus.SetLevel(logrus.WarnLevel)
			case "error":
				logrus.SetLevel(logrus.ErrorLevel)
			case "fatal":
				logrus.SetLevel(logrus.FatalLevel)
			default:
				logrus.Fatalf("'%v' log-level option not recognized", logLevel)
			}
		} else {
			// Set 'info' as our default log-level.
			logrus.SetLevel(logrus.InfoLevel)
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {

		logrus.Info("Starting iova-mgr")
		logrus.Infof("Version: %s", version)

		if commitId != "" {
			logrus.Infof("Commit-ID: %s", commitId)
		}

		// If requested, launch cpu/mem profiling data collection.
		profile, err := runProfiler(ctx)
		if err != nil {
			return err
		}

		runDir := ctx.GlobalString("run-dir")
		if err := setupRunDir(runDir); err != nil {
			return err
		}

		pidFile := filepath.Join(runDir, pidFileName)
		if err := checkPidFile(pidFile); err != nil {
			return err
		}

		cfg, err := loadConfig(ctx.GlobalString("config"))
		if err != nil {
			return err
		}

		mgr, err := newIovaMgr(cfg)
		if err != nil {
			return fmt.Errorf("failed to create iova-mgr: %v", err)
		}

		var signalChan = make(chan os.Signal, 1)
		signal.Notify(
			signalChan,
			syscall.SIGHUP,
			syscall.SIGINT,
			syscall.SIGTERM,
			syscall.SIGQUIT,
			syscall.SIGUSR1)
		go signalHandler(signalChan, mgr, profile)

		if err := mgr.Start(pidFile); err != nil {
			mgr.Stop()
			return fmt.Errorf("failed to start iova-mgr: %v", err)
		}

		logrus.Info("Done.")
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// showDomains implements the "show" command.
func showDomains(ctx *cli.Context) error {

	cfg, err := loadConfig(ctx.GlobalString("config"))
	if err != nil {
		return err
	}

	mgr, err := newIovaMgr(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up domains: %v", err)
	}

	mgr.dumpDomains(os.Stdout)
	mgr.destroyAll()

	return nil
}

// Run cpu / memory profiling collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {

	var prof interface{ Stop() }

	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	// Cpu and Memory profiling options seem to be mutually exclused in pprof.
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("Unsupported parameter combination: cpu and memory profiling")
	}

	// Typical / non-profiling case.
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	// Notice that 'NoShutdownHook' option is passed to profiler constructor to
	// avoid this one reacting to 'sigterm' signal arrival. IOW, we want
	// iova-mgr signal handler to be the one stopping all profiling tasks.

	if cpuProfOn {
		prof = profile.Start(
			profile.CPUProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
		logrus.Info("Initiated cpu-profiling data collection.")
	}

	if memProfOn {
		prof = profile.Start(
			profile.MemProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
		logrus.Info("Initiated memory-profiling data collection.")
	}

	return prof, nil
}

// iova-mgr signal handler goroutine; SIGUSR1 dumps the domains, any other signal
// stops the manager.
func signalHandler(
	signalChan chan os.Signal,
	mgr *IovaMgr,
	profile interface{ Stop() }) {

	for s := range signalChan {

		logrus.Infof("Caught OS signal: %s", s)

		if s == syscall.SIGUSR1 {
			w := logrus.StandardLogger().WriterLevel(logrus.InfoLevel)
			mgr.dumpDomains(w)
			w.Close()
			continue
		}

		// Stop cpu/mem profiling tasks.
		if profile != nil {
			profile.Stop()
		}

		if err := mgr.Stop(); err != nil {
			logrus.Warnf("Failed to terminate iova-mgr gracefully: %s", err)
		}

		logrus.Info("Exiting.")
		return
	}
}
