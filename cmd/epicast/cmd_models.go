package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/epicast/epicast-go/pkg/models"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect and pin trained models",
}

var modelsShowCmd = &cobra.Command{
	Use:   "show <disease> [version]",
	Short: "Show the active model, or a specific version",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runModelsShow,
}

var modelsPinCmd = &cobra.Command{
	Use:   "pin <disease> <version>",
	Short: "Pin the active model to a specific version",
	Args:  cobra.ExactArgs(2),
	RunE:  runModelsPin,
}

var modelsUnpinCmd = &cobra.Command{
	Use:   "unpin <disease>",
	Short: "Restore latest-version-wins model selection",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsUnpin,
}

func init() {
	modelsCmd.AddCommand(modelsShowCmd)
	modelsCmd.AddCommand(modelsPinCmd)
	modelsCmd.AddCommand(modelsUnpinCmd)
}

func runModelsShow(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	disease := args[0]
	if len(args) == 2 {
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		tm, err := s.registry.Load(disease, version)
		if err != nil {
			return err
		}
		printModel(cmd, tm)
		return nil
	}

	tm, err := s.registry.LoadActive(disease)
	if err != nil {
		return err
	}
	printModel(cmd, tm)
	return nil
}

func printModel(cmd *cobra.Command, m *models.TrainedModel) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Disease:   %s\n", m.Disease)
	fmt.Fprintf(out, "Version:   v%d\n", m.Version)
	fmt.Fprintf(out, "Lags:      %d\n", m.Lags)
	fmt.Fprintf(out, "Features:  %d columns\n", len(m.FeatureColumns))
	fmt.Fprintf(out, "TrainMAE:  %.4f (log space)\n", m.Metrics.TrainMAE)
	fmt.Fprintf(out, "Samples:   %d\n", m.Metrics.Samples)
	fmt.Fprintf(out, "TrainedAt: %s\n", m.TrainedAt.Format(time.RFC3339))
}

func runModelsPin(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	version, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid version %q", args[1])
	}
	if err := s.registry.Pin(args[0], version); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pinned %s to v%d\n", args[0], version)
	return nil
}

func runModelsUnpin(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.registry.Unpin(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unpinned %s\n", args[0])
	return nil
}
