package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gostonefire/hashdb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statsCmd = &cobra.Command{
	Use:   "stats [path]",
	Short: "Prints how the file space is used",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(args[0], func(db *hashdb.HashDB) error {
			s, err := db.Stats()
			if err != nil {
				return err
			}

			u := func(v uint64) string { return strconv.FormatUint(v, 10) }
			i := strconv.Itoa
			t := newTable("", "value").Rows(
				[]string{"file size", u(s.Size)},
				[]string{"zones", i(s.Zones)},
				[]string{"records", i(s.Records)},
				[]string{"key bytes", u(s.KeyBytes)},
				[]string{"data bytes", u(s.DataBytes)},
				[]string{"padding bytes", u(s.PaddingBytes)},
				[]string{"free records", i(s.FreeRecords)},
				[]string{"free bytes", u(s.FreeBytes)},
				[]string{"sub hash tables", i(s.HashTables)},
				[]string{"hash depth", i(s.HashDepth)},
				[]string{"recovery bytes", u(s.RecoveryBytes)},
				[]string{"overhead bytes", u(s.Overhead)},
			)
			fmt.Println(t.Render())

			if viper.GetBool("prometheus") {
				hashdb.WriteMetrics(os.Stdout)
			}
			return nil
		})
	},
}

func init() {
	statsCmd.Flags().Bool("prometheus", false, "also print the operation counters in Prometheus text format")
	statsCmd.Flags().Bool("read-only", true, "open the file read only")
}
