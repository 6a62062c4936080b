package main

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/everpeace/jubatus/pkg/mprpc"
)

func main() {
	root := &cobra.Command{
		Use:   "mixctl",
		Short: "operator client for jubamixd nodes",
	}
	root.AddCommand(mixCmd(), statusCmd(), benchCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func mixCmd() *cobra.Command {
	var addr string
	var timeout int
	cmd := &cobra.Command{
		Use:   "mix",
		Short: "kick one mix round on a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli := mprpc.NewClient(time.Duration(timeout) * time.Second)
			raw, err := cli.Call(addr, "do_mix")
			if err != nil {
				return err
			}
			ok, err := mprpc.DecodeBool(raw)
			if err != nil {
				return err
			}
			fmt.Println(ok)
			if !ok {
				return fmt.Errorf("mix round failed on %s", addr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9199", "node mix RPC address")
	cmd.Flags().IntVar(&timeout, "timeout", 30, "call timeout in seconds")
	return cmd
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print a node's status document",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + addr + "/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "node admin HTTP address")
	return cmd
}

func benchCmd() *cobra.Command {
	var addr string
	var n, conc, keys int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "drive model updates through a node's admin endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			run := uuid.NewString()[:8]

			wg := sync.WaitGroup{}
			ch := make(chan int, conc)
			start := time.Now()
			for i := 0; i < n; i++ {
				wg.Add(1)
				ch <- 1
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("bench/%s/k%d", run, i%keys)
					q := url.Values{}
					q.Set("key", key)
					q.Set("weight", fmt.Sprintf("%f", rand.Float64()))
					resp, err := client.Post("http://"+addr+"/update?"+q.Encode(), "text/plain", nil)
					if err == nil {
						io.Copy(io.Discard, resp.Body)
						resp.Body.Close()
					}
					<-ch
				}(i)
			}
			wg.Wait()
			dur := time.Since(start)
			fmt.Printf("Completed %d updates in %s (%.2f ops/s)\n", n, dur, float64(n)/dur.Seconds())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "node admin HTTP address")
	cmd.Flags().IntVar(&n, "n", 5000, "updates")
	cmd.Flags().IntVar(&conc, "c", 32, "concurrency")
	cmd.Flags().IntVar(&keys, "keys", 256, "distinct keys")
	return cmd
}
