package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gatekeeper/internal/config"
	"gatekeeper/internal/coordinator"
	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

var (
	configPath string
	useMemory  bool
	timeout    time.Duration
	verbose    bool

	coord *coordinator.Coordinator
)

func main() {
	root := &cobra.Command{
		Use:               "zkctl",
		Short:             "Inspect and modify the shared state of the CI coordination layer",
		SilenceUsage:      true,
		PersistentPreRunE: connect,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if coord == nil {
				return nil
			}
			return coord.Stop()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&useMemory, "memory", false, "use a throw-away in-process store instead of etcd")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout of the command")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(requestsCmd(), nodesCmd(), holdsCmd(), launchersCmd(), configCmd(), layoutCmd(), eventsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func connect(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.LogLevel = "debug"
	} else {
		cfg.LogLevel = "warn"
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	cobra.OnFinalize(cancel)
	cmd.SetContext(ctx)

	dial := coordinator.MemoryDialer(store.NewMemoryServer())
	if !useMemory {
		etcdCfg, err := cfg.Etcd(logger)
		if err != nil {
			return err
		}
		dial = coordinator.EtcdDialer(etcdCfg)
	}
	coord = coordinator.New(coordinator.Options{
		Logger:   logger,
		Workers:  cfg.DispatcherWorkers,
		ReadOnly: cfg.ReadOnly,
		// one-shot commands read straight from the service
		HoldRequestCache: false,
		ConnectTimeout:   cfg.ConnectTimeout,
	})
	if err := coord.Start(ctx, dial); err != nil {
		coord = nil
		return fmt.Errorf("connect: %w", err)
	}
	logger.Debug("connected", zap.Bool("memory", useMemory))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "requests", Short: "Node requests"}

	var (
		priority int
		labels   []string
		count    int
		wait     bool
	)
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit node requests (several at once for load testing)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			fmt.Printf("🚀 submitting %d request(s) for %v\n", count, labels)

			var (
				wg        sync.WaitGroup
				failed    atomic.Int64
				fulfilled atomic.Int64
			)
			// at most 50 submissions in flight
			sem := make(chan struct{}, 50)
			start := time.Now()
			for i := 0; i < count; i++ {
				sem <- struct{}{}
				wg.Add(1)
				go func() {
					defer func() {
						<-sem
						wg.Done()
					}()
					req := &model.NodeRequest{Priority: priority, NodeTypes: labels, Requestor: "zkctl"}
					done := make(chan struct{})
					var watcher coordinator.RequestWatcher
					if wait {
						var once sync.Once
						watcher = func(r *model.NodeRequest, deleted bool) bool {
							if deleted || r.Done() {
								if r.Fulfilled() {
									fulfilled.Add(1)
								}
								once.Do(func() { close(done) })
								return false
							}
							return true
						}
					}
					if err := coord.NodeRequests.Submit(ctx, req, watcher); err != nil {
						failed.Add(1)
						fmt.Fprintf(os.Stderr, "❌ submit: %v\n", err)
						return
					}
					if count == 1 {
						fmt.Printf("✅ submitted %s\n", req.ID)
					}
					if wait {
						select {
						case <-done:
						case <-ctx.Done():
						}
					}
				}()
			}
			wg.Wait()
			fmt.Printf("submitted %d, failed %d in %s\n", int64(count)-failed.Load(), failed.Load(), time.Since(start))
			if wait {
				fmt.Printf("fulfilled %d\n", fulfilled.Load())
			}
			return nil
		},
	}
	submit.Flags().IntVarP(&priority, "priority", "p", 100, "request priority, lower is served first")
	submit.Flags().StringSliceVarP(&labels, "label", "l", []string{"ubuntu-noble"}, "node label, once per node")
	submit.Flags().IntVarP(&count, "count", "n", 1, "number of requests to submit")
	submit.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the requests are fulfilled or failed")

	list := &cobra.Command{
		Use:   "list",
		Short: "List outstanding node requests in priority order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := coord.NodeRequests.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				req, err := coord.NodeRequests.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if req == nil {
					continue
				}
				fmt.Printf("%s\t%s\t%v\n", id, req.State, req.NodeTypes)
			}
			return nil
		},
	}
	cmd.AddCommand(submit, list)
	return cmd
}

func nodesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "nodes", Short: "Test nodes"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List nodes with their state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := coord.Nodes.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				node, err := coord.Nodes.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if node == nil {
					continue
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", id, node.State, node.Label, node.HoldJob)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "get ID",
		Short: "Show a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := coord.Nodes.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if node == nil {
				return fmt.Errorf("node %s not found", args[0])
			}
			return printJSON(node)
		},
	})
	return cmd
}

func holdsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "holds", Short: "Autohold requests"}

	var req model.HoldRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an autohold request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := coord.HoldRequests.Store(cmd.Context(), &req); err != nil {
				return err
			}
			fmt.Printf("✅ created hold request %s\n", req.ID)
			return nil
		},
	}
	create.Flags().StringVar(&req.Tenant, "tenant", "", "tenant name")
	create.Flags().StringVar(&req.Project, "project", "", "project name")
	create.Flags().StringVar(&req.Job, "job", "", "job name")
	create.Flags().StringVar(&req.RefFilter, "ref", ".*", "ref filter regex")
	create.Flags().StringVar(&req.Reason, "reason", "", "why the nodes are held")
	create.Flags().IntVar(&req.MaxCount, "count", 1, "number of failed builds to hold")
	create.Flags().IntVar(&req.NodeExpiration, "node-hold-expiration", 86400, "seconds to keep held nodes")
	for _, f := range []string{"tenant", "project", "job", "reason"} {
		_ = create.MarkFlagRequired(f)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List autohold requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := coord.HoldRequests.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				hr, err := coord.HoldRequests.Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				if hr == nil {
					continue
				}
				fmt.Printf("%s\t%s %s %s\t%d/%d\t%s\n", id, hr.Tenant, hr.Project, hr.Job, hr.CurrentCount, hr.MaxCount, hr.Reason)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Release the held nodes and delete the request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			hr, err := coord.HoldRequests.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if hr == nil {
				return fmt.Errorf("hold request %s not found", args[0])
			}
			if err := coord.HoldRequests.Lock(ctx, hr, true, 10*time.Second); err != nil {
				return err
			}
			defer coord.HoldRequests.Unlock(context.WithoutCancel(ctx), hr)
			if err := coord.HoldRequests.Delete(ctx, hr); err != nil {
				return err
			}
			fmt.Printf("✅ deleted hold request %s\n", hr.ID)
			return nil
		},
	}

	count := &cobra.Command{
		Use:   "count TENANT PROJECT JOB",
		Short: "Count nodes held for an autohold key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := coord.HoldRequests.HeldNodeCount(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	cmd.AddCommand(create, list, del, count)
	return cmd
}

func launchersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "launchers", Short: "Registered launchers"}
	var labels []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List launchers and their labels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			launchers, err := coord.Launchers.List(cmd.Context())
			if len(labels) > 0 {
				launchers, err = coord.Launchers.Candidates(cmd.Context(), labels)
			}
			if err != nil {
				return err
			}
			for _, l := range launchers {
				fmt.Printf("%s\t%v\n", l.ID, l.SupportedLabels)
			}
			return nil
		},
	}
	list.Flags().StringSliceVarP(&labels, "label", "l", nil, "only launchers serving all these labels")
	cmd.AddCommand(list)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Unparsed tenant configuration"}
	keyOf := func(args []string) coordinator.ConfigKey {
		return coordinator.ConfigKey{Tenant: args[0], Project: args[1], Branch: args[2], Path: args[3]}
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get TENANT PROJECT BRANCH PATH",
		Short: "Print a configuration file",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			lock, err := coord.Config.RLock(ctx, args[0], coordinator.AcquireOptions{Blocking: true})
			if err != nil {
				return err
			}
			defer lock.Release(context.WithoutCancel(ctx))
			data, ok, err := coord.Config.Load(ctx, keyOf(args))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no configuration stored for %v", args)
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}, &cobra.Command{
		Use:   "put TENANT PROJECT BRANCH PATH FILE",
		Short: "Store a configuration file",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[4])
			if err != nil {
				return err
			}
			lock, err := coord.Config.Lock(ctx, args[0], coordinator.AcquireOptions{Blocking: true})
			if err != nil {
				return err
			}
			defer lock.Release(context.WithoutCancel(ctx))
			if err := coord.Config.Save(ctx, keyOf(args), data); err != nil {
				return err
			}
			fmt.Printf("✅ stored %d bytes\n", len(data))
			return nil
		},
	})
	return cmd
}

func layoutCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "layout", Short: "Tenant layout hashes"}
	cmd.AddCommand(&cobra.Command{
		Use:   "get TENANT",
		Short: "Print the layout hash of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, ok, err := coord.Layout.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no layout hash for %s", args[0])
			}
			fmt.Println(hash)
			return nil
		},
	}, &cobra.Command{
		Use:   "set TENANT HASH",
		Short: "Store the layout hash of a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Set is conditioned on the version seen by Get.
			if _, _, err := coord.Layout.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			return coord.Layout.Set(cmd.Context(), args[0], args[1])
		},
	})
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Connection event queues"}
	cmd.AddCommand(&cobra.Command{
		Use:   "push CONNECTION JSON",
		Short: "Queue an event for a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("event payload: %w", err)
			}
			return coord.Events.Push(cmd.Context(), args[0], payload)
		},
	}, &cobra.Command{
		Use:   "pop CONNECTION",
		Short: "Remove and print all queued events of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := coord.Events.Pop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := printJSON(map[string]any{"id": ev.ID, "payload": ev.Payload}); err != nil {
					return err
				}
			}
			fmt.Fprintln(os.Stderr, strconv.Itoa(len(events))+" event(s)")
			return nil
		},
	})
	return cmd
}
