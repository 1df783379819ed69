package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errUnknownTXPowerAction = errors.New("unknown tx-power action, expected increase or decrease")

func armCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "arm",
		Short: "Set this peer's status to armed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := client.Arm(context.Background()); err != nil {
				return fmt.Errorf("arm: %w", err)
			}
			fmt.Println("armed.")
			return nil
		},
	}
}

func disarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disarm",
		Short: "Set this peer's status to disarmed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := client.Disarm(context.Background()); err != nil {
				return fmt.Errorf("disarm: %w", err)
			}
			fmt.Println("disarmed.")
			return nil
		},
	}
}

func freqSelHopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freq-sel-hop",
		Short: "Trigger a manual frequency hop",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			at, err := client.TriggerFreqSelHop(context.Background())
			if err != nil {
				return fmt.Errorf("freq-sel-hop: %w", err)
			}
			fmt.Printf("hop scheduled for %s.\n", at.Format("2006-01-02T15:04:05.000Z07:00"))
			return nil
		},
	}
}

func txPowerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx-power <increase|decrease>",
		Short: "Adjust this peer's TX power one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			action := args[0]
			if action != "increase" && action != "decrease" {
				return fmt.Errorf("%w: %q", errUnknownTXPowerAction, action)
			}

			if err := client.AdjustTXPower(context.Background(), action); err != nil {
				return fmt.Errorf("tx-power: %w", err)
			}
			fmt.Printf("tx power %sd.\n", action)
			return nil
		},
	}

	return cmd
}
