package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"github.com/spf13/cobra"

	"github.com/parsec-cloud/parsecd/pkg/corefsm"
	"github.com/parsec-cloud/parsecd/pkg/dispatch"
	"github.com/parsec-cloud/parsecd/pkg/events"
	"github.com/parsec-cloud/parsecd/pkg/health"
	"github.com/parsec-cloud/parsecd/pkg/log"
	"github.com/parsec-cloud/parsecd/pkg/maintenance"
	"github.com/parsec-cloud/parsecd/pkg/messages"
	"github.com/parsec-cloud/parsecd/pkg/metrics"
	"github.com/parsec-cloud/parsecd/pkg/realm"
	"github.com/parsec-cloud/parsecd/pkg/session"
	"github.com/parsec-cloud/parsecd/pkg/storage"
	"github.com/parsec-cloud/parsecd/pkg/vlob"
)

// raftApplyTimeout bounds how long a RaftProposer waits for its command to
// commit before giving up, the same way the teacher bounds its own
// cluster RPCs rather than blocking a caller forever on a stuck leader.
const raftApplyTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the parsecd server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Address the WebSocket command listener binds to")
	serveCmd.Flags().String("metrics-addr", "", "Address the Prometheus/health HTTP server binds to")
	serveCmd.Flags().String("data-dir", "", "Directory for the bbolt-backed realm/vlob store")
	serveCmd.Flags().Bool("raft", false, "Enable the replicated (Raft) storage backend")
	serveCmd.Flags().String("raft-bind-addr", "", "Address the Raft transport binds to")
	serveCmd.Flags().String("raft-data-dir", "", "Directory for Raft's log and snapshot stores")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLoggingFromConfig(cfg)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "bbolt store opened")

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	realms := realm.New(store, bus)
	vlobs := vlob.New(store, realms, bus, cfg.BallparkTolerance)
	inbox := messages.NewInbox()
	maintenanceCtl := maintenance.New(realms, vlobs, inbox)
	fsm := corefsm.New(realms, vlobs)

	var proposer corefsm.Proposer = corefsm.NewDirectProposer(fsm)
	if cfg.RaftEnabled {
		r, err := startRaft(cfg, fsm)
		if err != nil {
			return fmt.Errorf("start raft: %w", err)
		}
		proposer = corefsm.NewRaftProposer(r, raftApplyTimeout)
		metrics.RegisterComponent("raft", true, "cluster started")
		go reportRaftLeadership(r)
		go monitorRaftTransport(cfg.RaftBindAddr)
	} else {
		metrics.RegisterComponent("raft", true, "disabled, single-node mode")
	}

	dispatcher := dispatch.New(realms, vlobs, maintenanceCtl, bus, proposer)
	dispatcher.SetMaxBlobSize(cfg.MaxBlobSize)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("dispatch", true, "ready")

	listener := session.New(dispatcher)

	mux := http.NewServeMux()
	mux.Handle("/", listener)
	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("serving commands")
		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			errCh <- fmt.Errorf("command listener: %w", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/healthz", metrics.HealthHandler())
	metricsMux.Handle("/readyz", metrics.ReadyHandler())
	metricsMux.Handle("/livez", metrics.LivenessHandler())
	go func() {
		log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics and health")
		if err := http.ListenAndServe(cfg.MetricsAddr, metricsMux); err != nil {
			errCh <- fmt.Errorf("metrics listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	return nil
}

// reportRaftLeadership keeps parsecd_raft_is_leader in sync with raft's
// own notion of leadership, the same observation the teacher's manager
// logs on every leadership change but here fed straight to a gauge.
func reportRaftLeadership(r *raft.Raft) {
	for isLeader := range r.LeaderCh() {
		if isLeader {
			metrics.RaftIsLeader.Set(1)
		} else {
			metrics.RaftIsLeader.Set(0)
		}
	}
}

// monitorRaftTransport periodically TCP-probes the raft transport's own
// bind address, so a dead or wedged transport (the listener closed, the
// process out of file descriptors) shows up in /readyz's "raft" component
// instead of only being visible through raft's internal election timeout.
func monitorRaftTransport(bindAddr string) {
	checker := health.NewTCPChecker(bindAddr).WithTimeout(2 * time.Second)
	cfg := health.DefaultConfig()
	status := health.NewStatus()

	for {
		result := checker.Check(context.Background())
		status.Update(result, cfg)
		if status.Healthy {
			metrics.UpdateComponent("raft", true, result.Message)
		} else {
			metrics.UpdateComponent("raft", false, result.Message)
		}
		time.Sleep(cfg.Interval)
	}
}
