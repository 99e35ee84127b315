package main

import (
	"fmt"
	"sort"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/alexhholmes/cedar"
)

func newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <dir> <db>",
		Short: "Print every record of a database in key order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, done, err := openEnv(args[0], true)
			if err != nil {
				return err
			}
			defer done()
			db, err := openDB(env, args[1], false)
			if err != nil {
				return err
			}
			defer db.Close()

			c, err := db.OpenCursor(nil, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			key, data := &cedar.Entry{}, &cedar.Entry{}
			for {
				res, err := c.GetNext(key, data, cedar.ReadUncommitted)
				if err != nil {
					return err
				}
				if res == nil {
					return nil
				}
				fmt.Fprintf(out, "%q\t%q\n", key.Data, data.Data)
			}
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <dir> <db> <key>",
		Short: "Print the data of a key; every duplicate in a duplicates database",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, done, err := openEnv(args[0], true)
			if err != nil {
				return err
			}
			defer done()
			db, err := openDB(env, args[1], false)
			if err != nil {
				return err
			}
			defer db.Close()

			c, err := db.OpenCursor(nil, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			key, data := cedar.NewEntry([]byte(args[2])), &cedar.Entry{}
			res, err := c.GetSearchKey(key, data, cedar.LockDefault)
			if err != nil {
				return err
			}
			if res == nil {
				return fmt.Errorf("key %q not found", args[2])
			}
			for res != nil {
				fmt.Fprintf(out, "%q\n", data.Data)
				if res, err = c.GetNextDup(key, data, cedar.LockDefault); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newPutCommand() *cobra.Command {
	var noOverwrite bool
	cmd := &cobra.Command{
		Use:   "put <dir> <db> <key> <data>",
		Short: "Store a record, creating the database if needed",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, done, err := openEnv(args[0], false)
			if err != nil {
				return err
			}
			defer done()
			db, err := openDB(env, args[1], true)
			if err != nil {
				return err
			}
			defer db.Close()

			key, data := []byte(args[2]), []byte(args[3])
			var res *cedar.OperationResult
			switch {
			case !noOverwrite:
				res, err = db.Put(nil, key, data, nil)
			case db.Config().SortedDuplicates:
				res, err = db.PutNoDupData(nil, key, data, nil)
			default:
				res, err = db.PutNoOverwrite(nil, key, data, nil)
			}
			if err != nil {
				return err
			}
			if res == nil {
				return fmt.Errorf("record %q already exists", args[2])
			}
			if res.Update {
				fmt.Fprintln(cmd.OutOrStdout(), "updated")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "inserted")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noOverwrite, "no-overwrite", false, "fail if the record exists")
	return cmd
}

func newCountCommand() *cobra.Command {
	var estimate bool
	cmd := &cobra.Command{
		Use:   "count <dir> <db> <key>",
		Short: "Count the duplicates of a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, done, err := openEnv(args[0], true)
			if err != nil {
				return err
			}
			defer done()
			db, err := openDB(env, args[1], false)
			if err != nil {
				return err
			}
			defer db.Close()

			c, err := db.OpenCursor(nil, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.GetSearchKey(cedar.NewEntry([]byte(args[2])), nil, cedar.ReadUncommitted)
			if err != nil {
				return err
			}
			var n int64
			switch {
			case res == nil:
			case estimate:
				n, err = c.CountEstimate()
			default:
				var exact int
				exact, err = c.Count()
				n = int64(exact)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatInt(n, 10))
			return nil
		},
	}
	cmd.Flags().BoolVar(&estimate, "estimate", false, "estimate from tree positions instead of counting")
	return cmd
}

func newStatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <dir>",
		Short: "Print databases, record counts and environment metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, done, err := openEnv(args[0], true)
			if err != nil {
				return err
			}
			defer done()

			out := cmd.OutOrStdout()
			names, err := env.DatabaseNames()
			if err != nil {
				return err
			}
			for _, name := range names {
				db, err := openDB(env, name, false)
				if err != nil {
					return err
				}
				n, err := db.Count()
				db.Close()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "database %s: %d records\n", name, n)
			}

			families, err := env.Metrics().Gather()
			if err != nil {
				return err
			}
			sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
			for _, mf := range families {
				for _, m := range mf.GetMetric() {
					var v float64
					switch {
					case m.GetCounter() != nil:
						v = m.GetCounter().GetValue()
					case m.GetGauge() != nil:
						v = m.GetGauge().GetValue()
					default:
						continue
					}
					fmt.Fprintf(out, "%s%s %g\n", mf.GetName(), labels(m.GetLabel()), v)
				}
			}
			return nil
		},
	}
}

func labels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	s := "{"
	for i, p := range pairs {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%q", p.GetName(), p.GetValue())
	}
	return s + "}"
}
