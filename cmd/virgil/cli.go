package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/da-penguin-guy/Virgil/internal/store"
)

const dbFlagDefault = "virgil.db"

// runCLI handles the non-interactive subcommands (version/settings/backup),
// returning true if one of them was recognized and handled.
func runCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Println("virgil node (unversioned build)")
		return true
	case "settings":
		return cliSettings(args[1:])
	case "backup":
		return cliBackup(args[1:])
	default:
		return false
	}
}

func openCLIStore() *store.Store {
	st, err := store.Open(dbFlagDefault)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliSettings(args []string) bool {
	st := openCLIStore()
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		settings, err := st.GetAllSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		if err := st.SetSetting(args[1], args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", args[1], args[2])
		return true
	}

	fmt.Fprintln(os.Stderr, "Usage: virgil settings [list|set <key> <value>]")
	os.Exit(1)
	return true
}

func cliBackup(args []string) bool {
	st := openCLIStore()
	defer st.Close()

	outPath := "virgil-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}
	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

// notifySignal cancels the node's context on the first interrupt or
// terminate signal, allowing the current turn to finish before shutdown.
func notifySignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}
