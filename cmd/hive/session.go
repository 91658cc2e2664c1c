package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hivecompute/hive/pkg/api"
	"github.com/hivecompute/hive/pkg/client"
	"github.com/hivecompute/hive/pkg/slots"
	"github.com/hivecompute/hive/pkg/types"
)

func connect() (*client.Client, error) {
	return client.Connect(managerAddr)
}

// sessionFile is the yaml shape accepted by 'hive enqueue -f'.
type sessionFile struct {
	Name          string            `yaml:"name"`
	AccessKey     string            `yaml:"access_key"`
	UserID        string            `yaml:"user_id"`
	GroupID       string            `yaml:"group_id"`
	Domain        string            `yaml:"domain"`
	ResourceGroup string            `yaml:"resource_group"`
	Type          string            `yaml:"type"`
	ClusterMode   string            `yaml:"cluster_mode"`
	ClusterSize   int               `yaml:"cluster_size"`
	Priority      int               `yaml:"priority"`
	Slots         string            `yaml:"slots"`
	Image         string            `yaml:"image"`
	Arch          string            `yaml:"arch"`
	Mounts        []string          `yaml:"mounts"`
	Env           map[string]string `yaml:"env"`
	Bootstrap     string            `yaml:"bootstrap"`
	StartsAt      *time.Time        `yaml:"starts_at"`
	IdleTimeout   time.Duration     `yaml:"idle_timeout"`
	MaxLifetime   time.Duration     `yaml:"max_lifetime"`
	DependsOn     []string          `yaml:"depends_on"`
}

func (f *sessionFile) toSpec() (api.SessionSpec, error) {
	requested, err := slots.Parse(f.Slots, slots.DefaultSchema(f.ResourceGroup))
	if err != nil {
		return api.SessionSpec{}, fmt.Errorf("slots: %w", err)
	}
	spec := api.SessionSpec{
		Name: f.Name,
		Owner: types.Owner{
			AccessKey: f.AccessKey,
			UserID:    f.UserID,
			GroupID:   f.GroupID,
			Domain:    f.Domain,
		},
		ResourceGroup: f.ResourceGroup,
		Type:          types.SessionType(f.Type),
		ClusterMode:   types.ClusterMode(f.ClusterMode),
		ClusterSize:   f.ClusterSize,
		Priority:      f.Priority,
		Requested:     requested,
		Arch:          f.Arch,
		Mounts:        f.Mounts,
		Env:           f.Env,
		Bootstrap:     f.Bootstrap,
		StartsAt:      f.StartsAt,
		IdleTimeout:   f.IdleTimeout,
		MaxLifetime:   f.MaxLifetime,
		DependsOn:     f.DependsOn,
	}
	if f.Image != "" {
		spec.Images = map[types.KernelRole]string{types.RoleMain: f.Image}
	}
	return spec, nil
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue -f FILE",
	Short: "Enqueue a session from a yaml spec",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var file sessionFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		spec, err := file.toSpec()
		if err != nil {
			return err
		}

		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.EnqueueSession(cmd.Context(), spec)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\tseq=%d\n", resp.SessionID, resp.Status, resp.EventSeq)
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		accessKey, _ := cmd.Flags().GetString("access-key")
		group, _ := cmd.Flags().GetString("group")
		statusFilter, _ := cmd.Flags().GetString("status")

		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.ListSessions(cmd.Context(), api.MatchSessionsRequest{
			AccessKey: accessKey,
			Group:     group,
			Status:    types.SessionStatus(statusFilter),
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tOWNER\tSTATUS\tSLOTS\tENQUEUED")
		for _, session := range resp.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				session.ID, session.Name, session.Owner.AccessKey,
				session.Status, session.Requested.String(),
				session.EnqueuedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect SESSION_ID",
	Short: "Show a session, its kernels and status history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(resp)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func sessionRefCommand(use, short string, call func(ctx context.Context, cli *client.Client, id string) (*api.SessionRefResponse, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := connect()
			if err != nil {
				return err
			}
			defer cli.Close()

			resp, err := call(cmd.Context(), cli, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\tseq=%d\n", resp.SessionID, resp.Status, resp.EventSeq)
			return nil
		},
	}
}

var cancelCmd = sessionRefCommand("cancel SESSION_ID", "Cancel a queued session",
	func(ctx context.Context, cli *client.Client, id string) (*api.SessionRefResponse, error) {
		return cli.CancelSession(ctx, id, "cancelled via cli")
	})

var destroyCmd = sessionRefCommand("destroy SESSION_ID", "Destroy a session and its kernels",
	func(ctx context.Context, cli *client.Client, id string) (*api.SessionRefResponse, error) {
		return cli.DestroySession(ctx, id, "destroyed via cli")
	})

var restartCmd = sessionRefCommand("restart SESSION_ID", "Restart a session's kernels in place",
	func(ctx context.Context, cli *client.Client, id string) (*api.SessionRefResponse, error) {
		return cli.RestartSession(ctx, id)
	})

var interruptCmd = sessionRefCommand("interrupt SESSION_ID", "Send an interrupt to the main kernel",
	func(ctx context.Context, cli *client.Client, id string) (*api.SessionRefResponse, error) {
		return cli.InterruptSession(ctx, id)
	})

var forceTerminateCmd = sessionRefCommand("force-terminate SESSION_ID", "Mark a session dead without waiting for agents",
	func(ctx context.Context, cli *client.Client, id string) (*api.SessionRefResponse, error) {
		return cli.ForceTerminate(ctx, id)
	})

var setPriorityCmd = &cobra.Command{
	Use:   "set-priority SESSION_ID PRIORITY",
	Short: "Change the queue priority of a pending session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("priority must be an integer: %w", err)
		}
		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.SetPriority(cmd.Context(), args[0], priority)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\tseq=%d\n", resp.SessionID, resp.Status, resp.EventSeq)
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec SESSION_ID CODE",
	Short: "Run code in a session's main kernel and stream the output",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		stream, err := cli.ExecCode(cmd.Context(), &api.ExecCodeRequest{
			SessionID: args[0],
			Code:      args[1],
			Timeout:   timeout,
		})
		if err != nil {
			return err
		}
		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if len(chunk.Data) > 0 {
				if chunk.Stream == "stderr" {
					os.Stderr.Write(chunk.Data)
				} else {
					os.Stdout.Write(chunk.Data)
				}
			}
			if chunk.Done {
				if chunk.ExitCode != 0 {
					return fmt.Errorf("execution exited with code %d", chunk.ExitCode)
				}
				return nil
			}
		}
	},
}

var showQueueCmd = &cobra.Command{
	Use:   "show-queue",
	Short: "Show the pending queue with scheduling bookkeeping",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")

		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.ShowQueue(cmd.Context(), group)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPRIORITY\tSLOTS\tRETRIES\tENQUEUED")
		for _, entry := range resp.Entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
				entry.Session.ID, entry.Session.Name, entry.Session.Priority,
				entry.Session.Requested.String(), entry.Retries,
				entry.Session.EnqueuedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [TOPIC...]",
	Short: "Stream cluster events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		stream, err := cli.WatchEvents(cmd.Context(), args...)
		if err != nil {
			return err
		}
		for {
			event, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\tseq=%d\t%s\n", event.Topic, event.Key, event.Seq, string(event.Payload))
		}
	},
}

func init() {
	enqueueCmd.Flags().StringP("file", "f", "", "Session spec yaml file")
	psCmd.Flags().String("access-key", "", "Filter by owner access key")
	psCmd.Flags().String("group", "", "Filter by resource group")
	psCmd.Flags().String("status", "", "Filter by status")
	execCmd.Flags().Duration("timeout", 0, "Execution timeout")
	showQueueCmd.Flags().String("group", "", "Resource group")
}
