package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"
	"github.com/lzrescue/lzrescue/internal/app"
	"github.com/lzrescue/lzrescue/internal/config"
	"github.com/lzrescue/lzrescue/internal/logging"
)

var (
	rescue  *app.Rescue
	cli     config.Cli
	version = "dev"
	meta    = config.Meta{
		ID:     "lzrescue",
		Name:   "Lzrescue",
		Desc:   "Data recovery toolkit for the lzip format",
		URL:    "https://github.com/lzrescue/lzrescue",
		Author: "lzrescue authors",
	}
)

func main() {
	var err error
	runtime.GOMAXPROCS(runtime.NumCPU())

	meta.Version = version
	meta.UserAgent = fmt.Sprintf("%s/%s go/%s %s", meta.ID, meta.Version,
		runtime.Version()[2:], strings.ToUpper(runtime.GOOS[:1])+runtime.GOOS[1:])

	_ = kong.Parse(&cli,
		kong.Name(meta.ID),
		kong.Description(fmt.Sprintf("%s. More info: %s", meta.Desc, meta.URL)),
		kong.UsageOnError(),
		kong.Vars{
			"version": version,
		},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	// Logging
	logging.Configure(cli)

	// Handle os signals
	channel := make(chan os.Signal, 1)
	signal.Notify(channel, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-channel
		if rescue != nil {
			rescue.Close()
		}
		log.Warn().Msgf("caught signal %v", sig)
		os.Exit(app.ExitEnvironmental)
	}()

	// Init
	if rescue, err = app.New(meta, cli); err != nil {
		log.Error().Err(err).Msg("cannot initialize lzrescue")
		os.Exit(app.ExitCode(err))
	}

	// Start
	if err = rescue.Start(); err != nil {
		log.Error().Stack().Err(err).Send()
		os.Exit(app.ExitCode(err))
	}
}
