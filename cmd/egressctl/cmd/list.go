package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

var (
	listRoom   string
	listActive bool
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List egress jobs",
	Long:  `List egress jobs in creation order, optionally filtered by room or liveness.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get <egress-id>",
	Short: "Show one egress job",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)

	listCmd.Flags().StringVar(&listRoom, "room", "", "only jobs of this room")
	listCmd.Flags().BoolVar(&listActive, "active", false, "only jobs that have not ended")
}

func runList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c egressClient) error {
		resp, err := c.ListEgress(ctx, &models.ListEgressRequest{RoomName: listRoom, Active: listActive})
		if err != nil {
			return fmt.Errorf("failed to list egress: %w", err)
		}
		return printList(resp)
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c egressClient) error {
		resp, err := c.ListEgress(ctx, &models.ListEgressRequest{EgressID: args[0]})
		if err != nil {
			return fmt.Errorf("failed to get egress: %w", err)
		}
		if len(resp.Items) == 0 {
			return fmt.Errorf("egress %s not found", args[0])
		}
		return printInfo(resp.Items[0])
	})
}
