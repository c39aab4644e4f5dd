package main

import (
	"fmt"
	"os"

	"github.com/soyeahso/agentcron/internal/cli"
	"github.com/tillberg/autorestart"
)

func main() {
	if os.Getenv("AGENTCRON_AUTORESTART") != "" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
