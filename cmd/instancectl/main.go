package main

import (
	"fmt"
	"os"

	"go.f110.dev/instances/pkg/cmd"
	"go.f110.dev/instances/pkg/cmd/instancectl"
)

func cli(args []string) error {
	rootCmd := &cmd.Command{
		Use:   "instancectl",
		Short: "Coordinator-free peer membership",
	}

	instancectl.Agent(rootCmd)
	instancectl.Status(rootCmd)
	instancectl.Version(rootCmd)

	return rootCmd.Execute(args)
}

func main() {
	if err := cli(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
