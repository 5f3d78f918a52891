// jackery-blectl inspects the fleet database a jackery-bled daemon maintains.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackery/blebridge/internal/storage"
)

var (
	dbPath string
	limit  int

	rootCmd = &cobra.Command{
		Use:   "jackery-blectl",
		Short: "Jackery BLE bridge inspection CLI",
		Long:  "Command-line tool for inspecting the device fleet and poll history a jackery-bled daemon maintains.",
	}

	devicesCmd = &cobra.Command{
		Use:   "devices",
		Short: "List configured devices",
		RunE:  listDevices,
	}

	historyCmd = &cobra.Command{
		Use:   "history [device-name]",
		Short: "Show recent poll history for a device",
		Args:  cobra.ExactArgs(1),
		RunE:  showHistory,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show consecutive-failure counts for every device",
		RunE:  showStatus,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/jackery-bled/devices.db", "Database file path")
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*storage.DB, error) {
	return storage.Open(dbPath)
}

func listDevices(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := db.ListDevices()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tTYPE\tMODEL\tAUTO\tPOLL\tUPDATED")
	fmt.Fprintln(w, "----\t-------\t----\t-----\t----\t----\t-------")

	for _, d := range devices {
		modelStr := "-"
		if d.ModelCode != nil {
			modelStr = fmt.Sprintf("0x%04X", *d.ModelCode)
		}
		autoStr := "N"
		if d.AutoDetect {
			autoStr = "Y"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%ds\t%s\n",
			d.Name, d.Address, d.DeviceType, modelStr, autoStr, d.PollInterval,
			d.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func showHistory(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.RecentPolls(args[0], limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tRESULT\tERROR")
	fmt.Fprintln(w, "---------\t------\t-----")

	for _, r := range records {
		result := "ok"
		if !r.Success {
			result = "FAILED"
		}
		errStr := r.Error
		if errStr == "" {
			errStr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Timestamp.Format(time.RFC3339), result, errStr)
	}
	return w.Flush()
}

func showStatus(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := db.ListDevices()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCONSECUTIVE FAILURES")
	fmt.Fprintln(w, "----\t---------------------")

	for _, d := range devices {
		n, err := db.ConsecutiveFailures(d.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\n", d.Name, n)
	}
	return w.Flush()
}
