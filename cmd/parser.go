package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/sahib/vmcache/defaults"
	colorlog "github.com/sahib/vmcache/util/log"
	"github.com/sahib/vmcache/version"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func formatGroup(category string) string {
	return strings.ToUpper(category) + " COMMANDS"
}

func setupLogging(ctx *cli.Context) error {
	w, err := logWriter(ctx.GlobalString("log-path"))
	if err != nil {
		return exitf(BadArgs, "cannot open log: %v", err)
	}

	level := ctx.GlobalString("log-level")
	if level == "" {
		level = "info"
		if cfg, err := defaults.OpenMigratedConfig(configPath(ctx)); err == nil {
			level = cfg.String("log.level")
		}
	}

	if err := colorlog.Setup(w, level); err != nil {
		return exitf(BadArgs, "bad log level: %v", err)
	}

	return nil
}

// RunCmdline starts the vmcache commandline tool.
func RunCmdline(args []string) int {
	return runApp(newApp(os.Stdout), args)
}

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "vmcache"
	app.Usage = "Map disk images through vnode stores and a block cache"
	app.Version = version.String()
	app.CommandNotFound = commandNotFound
	app.Writer = out
	app.ErrWriter = os.Stderr
	app.Before = setupLogging

	cfgGroup := formatGroup("config")
	imgGroup := formatGroup("image")
	miscGroup := formatGroup("misc")

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config,c",
			Usage:  "Path of the config file",
			Value:  defaults.DefaultPath,
			EnvVar: "VMCACHE_CONFIG",
		},
		cli.StringFlag{
			Name:   "log-path,l",
			Usage:  "Where to output the log. May be 'stderr' (default) or 'stdout'",
			Value:  "stderr",
			EnvVar: "VMCACHE_LOG",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "Minimum log level; overrides log.level of the config",
		},
		cli.BoolFlag{
			Name:  "verbose,V",
			Usage: "Print what is being done",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:     "config",
			Category: cfgGroup,
			Usage:    "Write, query and document the config",
			Subcommands: []cli.Command{
				{
					Name:   "init",
					Usage:  "Write a config with all defaults",
					Action: handleConfigInit,
					Flags: []cli.Flag{
						cli.BoolFlag{
							Name:  "force,f",
							Usage: "Overwrite an existing config",
						},
					},
				},
				{
					Name:      "get",
					Usage:     "Print the value of a key",
					ArgsUsage: "<key>",
					Action:    withArgCheck(needAtLeast(1), handleConfigGet),
				},
				{
					Name:      "set",
					Usage:     "Change the value of a key",
					ArgsUsage: "<key> <value>",
					Action:    withArgCheck(needAtLeast(2), handleConfigSet),
				},
				{
					Name:      "doc",
					Usage:     "Show the documentation of all keys or of keys with a prefix",
					ArgsUsage: "[<prefix>]",
					Action:    handleConfigDoc,
				},
			},
		},
		{
			Name:      "cat",
			Category:  imgGroup,
			Usage:     "Print a file stored in a disk image",
			ArgsUsage: "<image> <extents>",
			Description: "Maps the file described by <extents> through a vnode store and writes it to stdout.\n" +
				"   <extents> is a list of file-block:device-block+length, e.g. »0:100+8,8:200+4«.\n" +
				"   Blocks have the size of cache.block_size.",
			Action: withArgCheck(needAtLeast(2), withSystem(handleCat)),
			Flags: []cli.Flag{
				cli.Int64Flag{
					Name:  "size,s",
					Usage: "Size of the file in bytes; defaults to the end of the last extent",
				},
				cli.IntFlag{
					Name:  "readahead,r",
					Usage: "Load the blocks of this many pages ahead of faulting them",
				},
			},
		},
		{
			Name:        "stat",
			Category:    imgGroup,
			Usage:       "Read a whole image through the cache and print statistics",
			ArgsUsage:   "<image>",
			Description: "Faults every page of the image as one contiguous file.",
			Action:      withArgCheck(needAtLeast(1), withSystem(handleStat)),
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "passes,p",
					Value: 1,
					Usage: "How often to read the image",
				},
				cli.IntFlag{
					Name:  "readahead,r",
					Usage: "Load the blocks of this many pages ahead of faulting them",
				},
			},
		},
		{
			Name:     "version",
			Category: miscGroup,
			Usage:    "Print the version",
			Action:   handleVersion,
		},
	}

	return app
}

func runApp(app *cli.App, args []string) int {
	err := app.Run(args)
	if err == nil {
		return Success
	}

	if exit, ok := err.(ExitCode); ok {
		log.Error(exit.Message)
		return exit.Code
	}

	log.Error(err)
	return UnknownError
}
