package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/profilepilot/internal/otp"
)

func newOTPCmd(a *app) *cobra.Command {
	otpCmd := &cobra.Command{
		Use:   "otp",
		Short: "Query the SMS verification provider",
	}

	client := func() (*otp.Client, error) {
		if a.cfg.OTP.APIKey == "" {
			return nil, errors.New("no provider key; set PROFILEPILOT_OTP_API_KEY")
		}
		return otp.NewClient(a.cfg.OTP, a.logger), nil
	}

	otpCmd.AddCommand(
		&cobra.Command{
			Use:   "balance",
			Short: "Print the remaining provider credit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := client()
				if err != nil {
					return err
				}
				balance, err := c.Balance(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", balance)
				return nil
			},
		},
		&cobra.Command{
			Use:   "orders",
			Short: "List the provider's open orders",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := client()
				if err != nil {
					return err
				}
				orders, err := c.ActiveOrders(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ORDER\tPHONE\tSERVICE\tSTATUS\tCODE")
				for _, o := range orders {
					code := o.Code
					if code == "" {
						code = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.OrderID, o.PhoneNumber, o.Service, o.Status, code)
				}
				return tw.Flush()
			},
		},
	)
	return otpCmd
}
