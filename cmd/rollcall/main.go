package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

const version = "0.2.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command
)

// commandOrder is the order commands are listed in usage output.
var commandOrder = []string{"run", "enroll", "list", "history", "config", "download-models", "version", "help"}

func init() {
	commands = map[string]*Command{
		"run": {
			Name:        "run",
			Description: "Start an attendance session on the camera",
			Usage:       "rollcall run [-headless] [-device <dev>] [-policy <policy>]",
			Run:         cmdRun,
		},
		"enroll": {
			Name:        "enroll",
			Description: "Enroll every face image in a directory",
			Usage:       "rollcall enroll <image-dir>",
			Run:         cmdEnroll,
		},
		"list": {
			Name:        "list",
			Description: "List enrolled identities",
			Usage:       "rollcall list",
			Run:         cmdList,
		},
		"history": {
			Name:        "history",
			Description: "Show the attendance history of an identity",
			Usage:       "rollcall history <name>",
			Run:         cmdHistory,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "rollcall config",
			Run:         cmdConfig,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download the dlib face models",
			Usage:       "rollcall download-models [-landmark-url <url>] [dir]",
			Run:         cmdDownloadModels,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "rollcall version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "rollcall help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to an environment file with ROLLCALL_* overrides")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	args := flag.Args()

	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	cfg.ExpandPaths()

	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Init(logLevel, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	logging.Debugf("rollcall v%s starting", version)
	logging.Debugf("Config loaded, storage driver: %s", cfg.Storage.Driver)

	if len(args) < 1 {
		printUsage()
		_ = logging.Close()
		os.Exit(0)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		_ = logging.Close()
		os.Exit(1)
	}

	err = cmd.Run(args[1:])
	if err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
	}
	if cerr := logging.Close(); cerr != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not close log file: %v\n", cerr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rollcall - Liveness-checked face attendance")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: rollcall [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -env <file>      Path to .env file (default .env)")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("\nCommands:")
	for _, name := range commandOrder {
		cmd := commands[name]
		fmt.Printf("  %-16s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  rollcall enroll ./faces        # Enroll alice.jpg, bob.png, ...")
	fmt.Println("  rollcall run                   # Take attendance, press q to stop")
	fmt.Println("  rollcall -debug run -headless  # Run without a window")
	fmt.Println("\nRun 'rollcall help <command>' for more information on a command.")
}
