package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/gostonefire/hashdb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// newTable - Returns a bordered table with the common styling
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

var (
	dumpCmd = &cobra.Command{
		Use:   "dump [path]",
		Short: "Prints every record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(args[0], func(db *hashdb.HashDB) error {
				t := newTable("key", "data")
				limit, rows := viper.GetInt("limit"), 0
				count, err := db.Traverse(func(key, data []byte) bool {
					t.Row(strconv.Quote(string(key)), strconv.Quote(string(data)))
					rows++
					return limit == 0 || rows < limit
				})
				if err != nil {
					return err
				}
				fmt.Println(t.Render())
				fmt.Printf("%d records\n", count)
				return nil
			})
		},
	}

	checkCmd = &cobra.Command{
		Use:   "check [path]",
		Short: "Verifies the whole database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(args[0], func(db *hashdb.HashDB) error {
				records := 0
				if err := db.Check(func(key, data []byte) error {
					records++
					return nil
				}); err != nil {
					return err
				}
				fmt.Printf("%s is ok, %d records\n", args[0], records)
				return nil
			})
		},
	}

	fetchCmd = &cobra.Command{
		Use:   "fetch [path] [key]",
		Short: "Prints the data stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(args[0], func(db *hashdb.HashDB) error {
				data, err := db.Fetch([]byte(args[1]))
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			})
		},
	}

	storeCmd = &cobra.Command{
		Use:   "store [path] [key] [data]",
		Short: "Stores data under a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			flag, err := parseStoreFlag(viper.GetString("mode"))
			if err != nil {
				return err
			}
			return withDB(args[0], func(db *hashdb.HashDB) error {
				if viper.GetBool("append") {
					return db.Append([]byte(args[1]), []byte(args[2]))
				}
				return db.Store([]byte(args[1]), []byte(args[2]), flag)
			})
		},
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [path] [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(args[0], func(db *hashdb.HashDB) error {
				return db.Delete([]byte(args[1]))
			})
		},
	}
)

func init() {
	dumpCmd.Flags().Int("limit", 0, "stop after this many records, 0 for all")
	dumpCmd.Flags().Bool("read-only", true, "open the file read only")

	checkCmd.Flags().Bool("read-only", true, "open the file read only")

	fetchCmd.Flags().Bool("read-only", true, "open the file read only")

	storeCmd.Flags().String("mode", "replace", "replace, insert (key must be new) or modify (key must exist)")
	storeCmd.Flags().Bool("append", false, "append data to what the key holds")
	storeCmd.Flags().Bool("create", false, "create the database if the file does not exist")
	storeCmd.Flags().Bool("big-endian", false, "create a new database in big endian byte order")
}
