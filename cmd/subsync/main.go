package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"subsync/util"
)

func main() {
	logLevel, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logrus.SetLevel(logLevel)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	if isVersionArg(os.Args[1]) {
		fmt.Println(util.BuildInfo())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		logrus.Fatalln(err)
	}
}

func isVersionArg(arg string) bool {
	switch strings.TrimSpace(strings.ToLower(arg)) {
	case "version", "-v", "--version", "-version":
		return true
	default:
		return false
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: subsync [-c config] <command> [args]

commands:
  version                         print build information
  parse <file>                    parse a subscription file and print the result
  group add [flags] <name> <link> create a subscription group
  group list                      list groups
  list <group>                    list the endpoints of a group
  import <group> <file>           append the endpoints of a local file to a group
  update <group>                  fetch and reconcile a subscription group
  select <group>                  probe a group and pick its fastest endpoint
  geotag <group>                  rename endpoints after their location and drop dead ones
  serve                           run the auto update scheduler`)
}
