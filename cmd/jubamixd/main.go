package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/everpeace/jubatus/discovery"
	"github.com/everpeace/jubatus/internal/telemetry"
	"github.com/everpeace/jubatus/pkg/mixer"
	"github.com/everpeace/jubatus/pkg/model"
	"github.com/everpeace/jubatus/pkg/mprpc"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "jubamixd",
		Short: "model mixer node: serves the mix RPCs and reconciles with peers",
		RunE:  run,
	}
	fs := root.Flags()
	fs.String("host", "", "advertised host (defaults to os.Hostname)")
	fs.Int("port", 9199, "mix RPC port")
	fs.String("admin", ":8080", "admin HTTP listen address")
	fs.StringSlice("etcd", []string{"http://127.0.0.1:2379"}, "etcd endpoints")
	fs.String("type", "classifier", "actor type for registry path derivation")
	fs.String("name", "tutorial", "actor name for registry path derivation")
	fs.Uint64("count-threshold", 512, "mix after this many local updates (0 disables)")
	fs.Int("tick-threshold", 16, "mix after this many seconds without one (0 disables)")
	fs.Int("timeout", 10, "per-call peer RPC timeout in seconds")
	fs.Int64("lease-ttl", 10, "registry lease TTL in seconds")
	fs.String("strategy", "all", "candidate selection: all, roundrobin or ring")
	fs.Int("neighbors", 2, "ring strategy neighbor count")
	fs.Bool("debug", false, "log at debug level")

	viper.SetEnvPrefix("JUBAMIX")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(viper.GetBool("debug"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	host := viper.GetString("host")
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			return err
		}
	}
	self := mixer.Peer{Host: host, Port: viper.GetInt("port")}
	typ, name := viper.GetString("type"), viper.GetString("name")
	logger = logger.With(
		zap.String("actor", typ+"/"+name),
		zap.String("self", self.Addr()))

	store := model.NewStore()
	mixable := model.NewWeightMixable(store)

	cli, err := discovery.NewClient(viper.GetStringSlice("etcd"))
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	view := discovery.NewView(cli, typ, name, logger)
	view.Watch(ctx)

	logger.Info("registering with registry", zap.Strings("etcd", cli.Endpoints()))
	reg, err := discovery.Register(cli, typ, name, self.Addr(), viper.GetInt64("lease-ttl"), logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	strategy, err := pickStrategy(viper.GetString("strategy"), viper.GetInt("neighbors"))
	if err != nil {
		return err
	}
	comm := mixer.NewCommunication(view, time.Duration(viper.GetInt("timeout"))*time.Second, logger)
	mx := mixer.New(comm, mixable, store.RWMutex(), strategy, mixer.Config{
		CountThreshold: viper.GetUint64("count-threshold"),
		TickThreshold:  time.Duration(viper.GetInt("tick-threshold")) * time.Second,
		Self:           self,
	}, logger)

	srv := mprpc.NewServer(logger)
	srv.Observe = telemetry.ObserveRPC
	mx.RegisterAPI(srv)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", self.Port))
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Error("rpc server exited", zap.Error(err))
		}
	}()

	mx.Start()
	logger.Info("mixer running",
		zap.Uint64("count_threshold", viper.GetUint64("count-threshold")),
		zap.Int("tick_threshold_sec", viper.GetInt("tick-threshold")))

	adminLn, err := net.Listen("tcp", viper.GetString("admin"))
	if err != nil {
		return err
	}
	go serveAdmin(adminLn, store, mx, view, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", zap.String("signal", s.String()))

	mx.Stop()
	srv.Close()
	adminLn.Close()
	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func pickStrategy(name string, neighbors int) (mixer.Strategy, error) {
	switch name {
	case "all":
		return mixer.ExceptSelf, nil
	case "roundrobin":
		return mixer.RoundRobin(), nil
	case "ring":
		return mixer.RingNeighbors(neighbors), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

// serveAdmin exposes health, status, metrics and a model-update endpoint
// used to drive the mixer from the outside.
func serveAdmin(ln net.Listener, store *model.Store, mx *mixer.Mixer, view *discovery.View, logger *zap.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		st := mx.Status()
		resp := map[string]interface{}{
			"pid":                 os.Getpid(),
			"now":                 time.Now(),
			"rows":                store.Len(),
			"members":             view.Size(),
			"mix_count":           mx.MixCount(),
			"push_mixer.count":    st["push_mixer.count"],
			"push_mixer.ticktime": st["push_mixer.ticktime"],
		}
		data, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/update", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := req.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		weight, err := strconv.ParseFloat(req.URL.Query().Get("weight"), 64)
		if err != nil {
			http.Error(w, "invalid weight", http.StatusBadRequest)
			return
		}
		store.Update(key, weight)
		mx.Updated()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.Handle("/metrics", telemetry.Handler())

	if err := http.Serve(ln, mux); err != nil {
		logger.Debug("admin server exited", zap.Error(err))
	}
}
