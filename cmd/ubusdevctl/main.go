// ubusdevctl — diagnostic CLI for the ubusdev plug-in
//
// ubusdevctl inspects class configuration and issues read-only dump
// queries against a class's external handler over the same bus the
// daemon uses. It never issues create/reload/free/hotplug RPCs: those
// mutate handler-side state and belong to the daemon process that owns
// the corresponding device shadow.
//
// Usage:
//
//	ubusdevctl classes                     # list registered device classes
//	ubusdevctl schema bridge config        # print a class's schema fields
//	ubusdevctl dump br-lan info --class bridge
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/newtron-network/newtron/pkg/newtron/ubusdev"
	"github.com/newtron-network/newtron/pkg/util"
)

var (
	redisAddr string
	confRoot  string
	verbose   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "ubusdevctl",
	Short:             "Inspect ubusdev device classes and query handler dumps",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "address of the bus's Redis backend")
	rootCmd.PersistentFlags().StringVar(&confRoot, "conf-root", "/etc/newtron", "daemon configuration root (holds ubusdev-config/)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newClassesCmd(), newSchemaCmd(), newDumpCmd())
}

// cliSession bundles the bus/loop/registry plumbing a subcommand needs to
// talk to the daemon's bus, all torn down together via close().
type cliSession struct {
	classes *ubusdev.ClassRegistry
	adapter *ubusdev.Adapter
	close   func()
}

// openSession connects to Redis, builds a Loop+Bus+ClassRegistry+Adapter,
// and loads class metadata from confRoot.
func openSession() (*cliSession, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	bus := ubusdev.NewRedisBus(client)
	loop := ubusdev.NewLoop()
	go loop.Run()

	registry := ubusdev.NewRegistry()
	router := ubusdev.NewRouter(registry, nil)
	classes := ubusdev.NewClassRegistry(bus, router, loop)
	if err := classes.Load(confRoot); err != nil {
		loop.Stop()
		_ = client.Close()
		return nil, err
	}

	invoker := ubusdev.NewInvoker(bus, loop)
	adapter := ubusdev.NewAdapter(classes, registry, invoker, loop, nil)

	return &cliSession{
		classes: classes,
		adapter: adapter,
		close: func() {
			classes.Close()
			loop.Stop()
			_ = client.Close()
		},
	}, nil
}

func newClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List registered device classes and their subscription status",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENDPOINT\tBRIDGE\tSUBSCRIBED\tINFO\tSTATS")
			for _, c := range sess.classes.All() {
				fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%v\t%v\n",
					c.Name, c.SubscriptionName(), c.BridgeCapable, c.Subscribed(),
					c.InfoSchema != nil, c.StatsSchema != nil)
			}
			return w.Flush()
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <class> <config|info|stats>",
		Short: "Print a class's field schema",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.close()

			class, ok := sess.classes.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown class %q", args[0])
			}

			var schema *ubusdev.Schema
			switch args[1] {
			case "config":
				schema = class.ConfigSchema
			case "info":
				schema = class.InfoSchema
			case "stats":
				schema = class.StatsSchema
			default:
				return fmt.Errorf("unknown schema kind %q, want config|info|stats", args[1])
			}
			if schema == nil {
				fmt.Printf("class %q declares no %s schema\n", args[0], args[1])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tQUERY")
			for _, f := range schema.Fields {
				query := f.Query
				if query == "" {
					query = "." + f.Name
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", f.Name, f.Type, query)
			}
			return w.Flush()
		},
	}
}

func newDumpCmd() *cobra.Command {
	var className string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "dump <device> <info|stats>",
		Short: "Query a device's dump_info or dump_stats over the bus",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if className == "" {
				return fmt.Errorf("--class is required")
			}
			sess, err := openSession()
			if err != nil {
				return err
			}
			defer sess.close()

			class, ok := sess.classes.Get(className)
			if !ok {
				return fmt.Errorf("unknown class %q", className)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var reply ubusdev.Blob
			switch args[1] {
			case "info":
				reply, err = sess.adapter.DumpInfo(ctx, class, args[0])
			case "stats":
				reply, err = sess.adapter.DumpStats(ctx, class, args[0])
			default:
				return fmt.Errorf("unknown dump kind %q, want info|stats", args[1])
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for k, v := range reply {
				fmt.Fprintf(w, "%s\t%v\n", k, v)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&className, "class", "", "device class to query (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "RPC timeout")
	return cmd
}
