package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List worker agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		group, _ := cmd.Flags().GetString("group")

		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.ListAgents(cmd.Context(), group)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDR\tGROUP\tSTATUS\tOCCUPIED\tTOTAL\tHEARTBEAT")
		for _, agent := range resp.Agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				agent.ID, agent.Addr, agent.ResourceGroup, agent.Status,
				agent.Occupied.String(), agent.Total.String(),
				agent.LastHeartbeat.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var drainAgentCmd = &cobra.Command{
	Use:   "drain-agent AGENT_ID",
	Short: "Stop placing new sessions on an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		undrain, _ := cmd.Flags().GetBool("undrain")

		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.DrainAgent(cmd.Context(), args[0], undrain)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", args[0], resp.Status)
		return nil
	},
}

var recalcUsageCmd = &cobra.Command{
	Use:   "recalc-usage",
	Short: "Replay the allocation ledger and report occupancy drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.RecalcUsage(cmd.Context())
		if err != nil {
			return err
		}
		if len(resp.Drifts) == 0 {
			fmt.Println("no drift")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tSLOT\tLIVE\tREPLAYED")
		for _, drift := range resp.Drifts {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", drift.AgentID, drift.Slot, drift.Live, drift.Replayed)
		}
		return w.Flush()
	},
}

var rescanImagesCmd = &cobra.Command{
	Use:   "rescan-images",
	Short: "List images referenced by live kernels",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.RescanImages(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IMAGE\tARCH\tKERNELS")
		for _, image := range resp.Images {
			fmt.Fprintf(w, "%s\t%s\t%d\n", image.Image, image.Arch, image.Kernels)
		}
		return w.Flush()
	},
}

var clusterInfoCmd = &cobra.Command{
	Use:   "cluster-info",
	Short: "Show raft cluster status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := connect()
		if err != nil {
			return err
		}
		defer cli.Close()

		resp, err := cli.GetClusterInfo(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("leader: %s (this node: %v)\n", resp.LeaderAddr, resp.IsLeader)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for key, value := range resp.RaftStats {
			fmt.Fprintf(w, "%s\t%s\n", key, value)
		}
		return w.Flush()
	},
}

func init() {
	agentsCmd.Flags().String("group", "", "Filter by resource group")
	drainAgentCmd.Flags().Bool("undrain", false, "Re-enable placement instead")
}
