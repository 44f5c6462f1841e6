package instancectl

import (
	"context"

	"github.com/spf13/pflag"

	"go.f110.dev/instances/pkg/cmd"
	"go.f110.dev/instances/pkg/cmd/agent"
	"go.f110.dev/instances/pkg/logger"
)

func Agent(rootCmd *cmd.Command) {
	confFile := ""
	agentCmd := &cmd.Command{
		Use:   "agent",
		Short: "Run the membership agent",
		Long:  "Publishes the record of this process to the datastore and serves the membership on the internal API.",
		Run: func(ctx context.Context, _ *cmd.Command, _ []string) error {
			process := agent.New()
			process.ConfFile = confFile
			process.CloseOnDone(ctx)
			return process.Loop()
		},
	}
	agentCmd.Flags().String("config", "Config file").Var(&confFile).Shorthand("c").Required()
	logFlags := pflag.NewFlagSet("logger", pflag.ContinueOnError)
	logger.Flags(logFlags)
	agentCmd.Flags().AddPFlagSet(logFlags)

	rootCmd.AddCommand(agentCmd)
}
