package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/seawatts/cove/cmd"
	"github.com/seawatts/cove/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	defaultConfig := "/etc/" + brand.LowerName + "/" + brand.ConfigFileName

	switch os.Args[1] {
	case "start":
		flags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := flags.String("config", defaultConfig, "configuration file")
		flags.StringVar(configFile, "c", defaultConfig, "configuration file (short)")
		flags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		flags := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := flags.String("config", defaultConfig, "configuration file")
		flags.StringVar(configFile, "c", defaultConfig, "configuration file (short)")
		flags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("%s %s\n", brand.BinaryName, brand.Version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s start [-c config]    Run the hub in the foreground
  %s status [-c config]   Show the status of a running hub
  %s version              Print the version
`, brand.BinaryName, brand.Description, brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
