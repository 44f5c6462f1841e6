package instancectl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"go.f110.dev/xerrors"

	"go.f110.dev/instances/pkg/cmd"
	"go.f110.dev/instances/pkg/cmd/agent"
	"go.f110.dev/instances/pkg/config/configv2"
	"go.f110.dev/instances/pkg/instances"
	"go.f110.dev/instances/pkg/server/internalapi"
)

func status(ctx context.Context, client *internalapi.Client, w io.Writer, asJSON bool) error {
	res, err := client.Instances(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		e := json.NewEncoder(w)
		e.SetIndent("", "  ")
		if err := e.Encode(res); err != nil {
			return xerrors.WithStack(err)
		}
		return nil
	}

	return printMembership(w, res)
}

func printMembership(w io.Writer, res *internalapi.MembershipResponse) error {
	s := res.Snapshot
	leader := color.New(color.Faint).Sprint("none")
	if s.HasLeader() {
		leader = s.Leader
		if s.Leader == res.Id {
			leader = color.GreenString("%s (this instance)", s.Leader)
		}
	}
	fmt.Fprintf(w, "ID:       %s\n", res.Id)
	fmt.Fprintf(w, "Version:  %d\n", s.Version)
	fmt.Fprintf(w, "Updated:  %s\n", s.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Leader:   %s\n", leader)
	fmt.Fprintf(w, "Members:  %d\n", s.Count())

	table := tablewriter.NewWriter(w)
	table.Header("ID", "ROLE", "STARTED AT", "LAST SEEN", "HOSTNAME")
	for _, v := range s.Instances {
		info := &agent.Info{}
		// The payload of a process other than the agent may not be decodable.
		_ = v.Decode(info)
		role := v.Role.String()
		if v.Role == instances.RoleLeader {
			role = color.New(color.FgGreen).Sprint(role)
		}
		if err := table.Append([]string{v.Id, role, v.StartedAt.Format(time.RFC3339), v.LastSeen.Format(time.RFC3339), info.Hostname}); err != nil {
			return xerrors.WithStack(err)
		}
	}
	if err := table.Render(); err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}

func Status(rootCmd *cmd.Command) {
	addr := ""
	timeout := 5 * time.Second
	asJSON := false
	statusCmd := &cmd.Command{
		Use:   "status",
		Short: "Show the membership which a running agent sees",
		Run: func(ctx context.Context, _ *cmd.Command, _ []string) error {
			client := internalapi.NewClient(addr, &http.Client{Timeout: timeout})
			return status(ctx, client, os.Stdout, asJSON)
		},
	}
	statusCmd.Flags().String("addr", "Address of the internal API of the agent").Var(&addr).Default("127.0.0.1" + configv2.DefaultInternalApiBind)
	statusCmd.Flags().Duration("timeout", "Timeout of the request").Var(&timeout).Default(timeout)
	statusCmd.Flags().Bool("json", "Print the response as JSON").Var(&asJSON)

	rootCmd.AddCommand(statusCmd)
}
