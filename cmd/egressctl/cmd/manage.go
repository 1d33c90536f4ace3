package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/ffmpeg-egress/pkg/models"
)

var (
	addURLs    []string
	removeURLs []string
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop <egress-id>",
	Short: "Stop an egress job",
	Long:  `Stop an egress job. Outputs are finalized before the job completes.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

// updateLayoutCmd represents the update-layout command
var updateLayoutCmd = &cobra.Command{
	Use:   "update-layout <egress-id> <layout>",
	Short: "Change the layout of a running room composite",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpdateLayout,
}

// updateStreamCmd represents the update-stream command
var updateStreamCmd = &cobra.Command{
	Use:   "update-stream <egress-id>",
	Short: "Add or remove stream endpoints of a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdateStream,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(updateLayoutCmd)
	rootCmd.AddCommand(updateStreamCmd)

	updateStreamCmd.Flags().StringArrayVar(&addURLs, "add", nil, "endpoint URL to add (repeatable)")
	updateStreamCmd.Flags().StringArrayVar(&removeURLs, "remove", nil, "endpoint URL to remove (repeatable)")
}

func runStop(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c egressClient) error {
		info, err := c.StopEgress(ctx, &models.StopEgressRequest{EgressID: args[0]})
		if err != nil {
			return fmt.Errorf("failed to stop egress: %w", err)
		}
		return printInfo(info)
	})
}

func runUpdateLayout(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c egressClient) error {
		info, err := c.UpdateLayout(ctx, &models.UpdateLayoutRequest{EgressID: args[0], Layout: args[1]})
		if err != nil {
			return fmt.Errorf("failed to update layout: %w", err)
		}
		return printInfo(info)
	})
}

func runUpdateStream(cmd *cobra.Command, args []string) error {
	if len(addURLs) == 0 && len(removeURLs) == 0 {
		return fmt.Errorf("at least one of --add or --remove is required")
	}
	return withClient(cmd, func(ctx context.Context, c egressClient) error {
		info, err := c.UpdateStream(ctx, &models.UpdateStreamRequest{
			EgressID:         args[0],
			AddOutputURLs:    addURLs,
			RemoveOutputURLs: removeURLs,
		})
		if err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
		return printInfo(info)
	})
}
