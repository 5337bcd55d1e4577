// Package cli provides the command-line interface for protecting and
// unprotecting documents.
package cli

import (
	"fmt"
	"os"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	if len(args) < 2 {
		Usage()
		return
	}

	command := args[1]

	switch command {
	case "protect":
		ProtectCommand(args)
	case "unprotect":
		UnprotectCommand(args)
	case "status":
		StatusCommand(args)
	case "version":
		VersionCommand()
	case "help", "-h", "--help":
		Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		Usage()
	}
}

// Usage prints the CLI usage information.
func Usage() {
	fmt.Printf("irmfile - rights-management file protection tool\n\n")
	fmt.Printf("Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  protect    Protect a document under a rights policy")
	fmt.Println("  unprotect  Decrypt a protected document (owner only)")
	fmt.Println("  status     Report whether a document is protected")
	fmt.Println("  version    Show version information")
	fmt.Println("  help       Show this help message")
	fmt.Println("")
	fmt.Printf("Use '%s <command> -h' for command-specific help\n", os.Args[0])
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Printf("  %s protect -config irm.yaml -user alice@example.com input.pdf output.ppdf\n", os.Args[0])
	fmt.Printf("  %s unprotect -config irm.yaml -user alice@example.com output.ppdf restored.pdf\n", os.Args[0])
	fmt.Printf("  %s status document.pdf\n", os.Args[0])
}

// VersionCommand prints version information.
func VersionCommand() {
	fmt.Printf("irmfile %s (built %s)\n", Version, BuildTime)
}
