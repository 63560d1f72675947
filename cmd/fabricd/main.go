package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/a2a-fabric/internal/agent"
	"github.com/ruvnet/a2a-fabric/internal/api"
	"github.com/ruvnet/a2a-fabric/internal/config"
	"github.com/ruvnet/a2a-fabric/internal/consensus"
	"github.com/ruvnet/a2a-fabric/internal/consensus/bft"
	"github.com/ruvnet/a2a-fabric/internal/consensus/election"
	"github.com/ruvnet/a2a-fabric/internal/consensus/raft"
	"github.com/ruvnet/a2a-fabric/internal/consensus/raftstore"
	"github.com/ruvnet/a2a-fabric/internal/crypto"
	"github.com/ruvnet/a2a-fabric/internal/membership"
	"github.com/ruvnet/a2a-fabric/internal/messagelog"
	"github.com/ruvnet/a2a-fabric/internal/middleware"
	"github.com/ruvnet/a2a-fabric/internal/optimizer"
	"github.com/ruvnet/a2a-fabric/internal/registry"
	"github.com/ruvnet/a2a-fabric/internal/security"
	"github.com/ruvnet/a2a-fabric/internal/smr"
	"github.com/ruvnet/a2a-fabric/internal/transform"
	"github.com/ruvnet/a2a-fabric/internal/transport"
	"github.com/ruvnet/a2a-fabric/internal/voting"
	"github.com/ruvnet/a2a-fabric/pkg/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "fabricd",
	Short: "a2a-fabric node daemon",
	Long:  "fabricd runs one agent-to-agent coordination fabric node: consensus, replication, voting, and the capability registry, behind a REST API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the fabricd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("fabricd dev")
	},
}

func main() {
	rootCmd.AddCommand(versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	met := metrics.NewMetrics()

	nodeID := consensus.NodeID(cfg.Cluster.NodeID)

	cryptoProvider := crypto.NewEd25519Provider()

	agents := agent.NewRegistry()
	if err := agents.Register(agent.NewAgent(string(nodeID), nil)); err != nil {
		logger.Warn("registering self", zap.Error(err))
	}
	for peerID := range cfg.Cluster.Peers {
		if peerID == string(nodeID) {
			continue
		}
		if err := agents.Register(agent.NewAgent(peerID, nil)); err != nil {
			logger.Warn("registering peer", zap.String("peer", peerID), zap.Error(err))
		}
	}
	for _, a := range agents.All() {
		if err := agents.Activate(a.ID); err != nil {
			logger.Warn("activating agent", zap.String("agent", a.ID), zap.Error(err))
		}
	}

	var tr consensus.Transport
	if cfg.Cluster.UseWebSocket {
		tr = transport.NewWebSocketTransport(nodeID, cfg.Cluster.ListenAddr, nodesOf(nodeID, cfg.Cluster.Peers), logger)
	} else {
		tr = transport.NewRPCTransport(nodeID, cfg.Cluster.ListenAddr, nodesOf(nodeID, cfg.Cluster.Peers))
	}
	if err := tr.Start(); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer tr.Stop()

	trustWeights := func(id string) float64 {
		if a, ok := agents.Get(id); ok {
			return a.Reputation()
		}
		return 0
	}
	resolver := smr.NewConflictResolver(smrStrategyFromString(cfg.SMR.ConflictStrategy), trustWeights)
	stateMachine := smr.New(resolver, logger,
		smr.WithCheckpointInterval(cfg.SMR.CheckpointInterval),
		smr.WithKeepSnapshots(cfg.SMR.KeepSnapshots))

	mlog := messagelog.New(logger, cfg.SMR.KeepSnapshots)
	store := raftstore.NewMemoryStore()

	sec := security.New([]byte(cfg.Security.JWTSecret), cfg.Security.Issuer, cfg.Security.TokenTTL)

	faultSink := &electorFaultSink{}
	detector := membership.New(nodeID, nodesOf(nodeID, cfg.Cluster.Peers), tr, faultSink, logger)
	detector.Start()
	defer detector.Stop()

	consensusCfg := &consensus.Config{
		NodeID:              nodeID,
		Nodes:               selfInclusiveNodes(nodeID, cfg.Cluster.Peers),
		TotalAgents:         agents.Count(),
		PrepareTimeout:      cfg.Consensus.PrepareTimeout,
		ViewChangeTimeout:   cfg.Consensus.ViewChangeTimeout,
		HeartbeatInterval:   cfg.Consensus.HeartbeatInterval,
		ElectionTimeoutMin:  cfg.Consensus.ElectionTimeoutMin,
		ElectionTimeoutMax:  cfg.Consensus.ElectionTimeoutMax,
		MaxConsecutiveTerms: cfg.Consensus.MaxConsecutiveTerms,
		ElectionAlgorithm:   cfg.Consensus.ElectionAlgorithm,
		MaxLogEntries:       cfg.Consensus.MaxLogEntries,
		SnapshotInterval:    cfg.Consensus.SnapshotInterval,
		BatchSize:           cfg.Consensus.BatchSize,
		Byzantine:           cfg.Consensus.Byzantine,
	}

	var elector *election.Elector

	// availability and consecutiveTerms feed Hybrid's score (algorithm.go);
	// elector is filled in below once constructed, but these closures
	// capture the variable itself, not its zero value, so they read live
	// data once the default case assigns it.
	availability := func(id string) float64 {
		a, ok := agents.Get(id)
		if !ok {
			return 0
		}
		idle := time.Since(a.LastActive())
		if idle < 0 {
			idle = 0
		}
		return 1 / (1 + idle.Seconds())
	}
	consecutiveTerms := func(id string) int {
		if elector == nil {
			return 0
		}
		return elector.ConsecutiveTerms(id)
	}
	algorithm := election.ByName(cfg.Consensus.ElectionAlgorithm, cfg.Consensus.MaxConsecutiveTerms, availability, consecutiveTerms)

	var pbftEngine *bft.PBFT
	var raftEngine *raft.Raft

	sink := &eventSink{logger: logger, metrics: met, security: sec}

	switch cfg.Consensus.Algorithm {
	case "raft":
		raftEngine = raft.NewRaft(consensusCfg, tr, stateMachine, store, logger)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := raftEngine.Start(ctx); err != nil {
			return fmt.Errorf("starting raft: %w", err)
		}
	default:
		adopterRef := &viewAdopterRef{}
		elector = election.New(nodeID, agents, algorithm, tr, mlog,
			adopterRef, cfg.Consensus.ElectionTimeoutMax, cfg.Consensus.HeartbeatInterval, logger)
		pbftEngine = bft.New(nodeID, consensusCfg, agents, elector, tr, stateMachine, cryptoProvider, mlog, sink, logger)
		adopterRef.target = pbftEngine
		faultSink.elector = elector
		elector.EmitHeartbeat()
	}

	optCfg := optimizer.ConsensusOptimizerConfig{
		BatchSize:    cfg.Consensus.BatchSize,
		BatchTimeout: cfg.Optimizer.BatchMaxWait,
		Pipeline:     cfg.Optimizer.ConsensusPipeline,
		CacheSize:    cfg.Optimizer.CacheSize,
	}
	var consOpt *optimizer.ConsensusOptimizer
	if pbftEngine != nil {
		var err error
		consOpt, err = optimizer.NewConsensusOptimizer(optCfg, func(batch []bft.Proposal) {
			for _, p := range batch {
				res := pbftEngine.StartConsensus(p)
				met.RecordConsensusRound("pbft", res.Outcome.String(), 0)
			}
		}, logger)
		if err != nil {
			logger.Warn("consensus optimizer disabled", zap.Error(err))
		}
	}
	if consOpt != nil {
		logger.Info("consensus optimizer active", zap.Bool("pipeline", cfg.Optimizer.ConsensusPipeline))
	}

	reg := registry.New(logger)
	vote := voting.New(logger)
	xform := transform.New()

	go dispatchLoop(tr, pbftEngine, elector, raftEngine, detector, logger)
	if elector != nil {
		go timeoutLoop(elector, pbftEngine, agents, logger)
	}

	handler := api.NewHandler(reg, vote, xform, sec, logger)
	router := gin.Default()
	router.Use(middleware.RequestID())
	router.Use(middleware.RateLimit(cfg.RateLimit))
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("fabricd listening", zap.String("node", string(nodeID)), zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down fabricd")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// dispatchLoop is fabricd's single reader of the shared transport,
// demultiplexing by message type to the consensus engine, the view-change
// elector, or the membership detector.
func dispatchLoop(tr consensus.Transport, pbftEngine *bft.PBFT, elector *election.Elector, raftEngine *raft.Raft, detector *membership.Detector, logger *zap.Logger) {
	for msg := range tr.Receive() {
		switch msg.Type {
		case consensus.GossipDataMsg:
			detector.HandleRaw(msg)
		case consensus.PrePrepareMsg, consensus.PrepareMsg, consensus.CommitMsg:
			if pbftEngine != nil {
				pbftEngine.ProcessMessage(msg)
			}
		case consensus.ViewChangeMsg, consensus.NewViewMsg, consensus.HeartbeatMsg:
			if elector != nil {
				elector.OnHeartbeat(uint64(msg.Term))
			}
		default:
			logger.Debug("unhandled message type", zap.Int("type", int(msg.Type)))
		}
	}
}

// timeoutLoop periodically drives the elector's heartbeat and election
// timeout checks, since election.Elector has no internal ticker.
func timeoutLoop(elector *election.Elector, pbftEngine *bft.PBFT, agents *agent.Registry, logger *zap.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		elector.CheckTimeout(time.Now(), agents.Active())
		if pbftEngine != nil {
			pbftEngine.CheckTimeouts(time.Now())
		}
	}
}

func nodesOf(_ consensus.NodeID, peers map[string]string) map[consensus.NodeID]string {
	nodes := make(map[consensus.NodeID]string, len(peers))
	for id, addr := range peers {
		nodes[consensus.NodeID(id)] = addr
	}
	return nodes
}

// selfInclusiveNodes builds the quorum membership list raft's majority math
// expects: self plus every configured peer. cfg.Cluster.Peers only lists
// peers, so omitting self here would undercount every quorum by one vote.
func selfInclusiveNodes(nodeID consensus.NodeID, peers map[string]string) []string {
	ids := make([]string, 0, len(peers)+1)
	ids = append(ids, string(nodeID))
	for id := range peers {
		if id == string(nodeID) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func smrStrategyFromString(s string) smr.Strategy {
	switch s {
	case "vector-clock":
		return smr.StrategyVectorClock
	case "consensus-based":
		return smr.StrategyConsensusBased
	default:
		return smr.StrategyLastWriterWins
	}
}

// viewAdopterRef satisfies election.ViewAdopter at Elector-construction
// time, before the PBFT engine that will actually receive AdoptView calls
// exists; target is set once the engine is built, breaking the
// PBFT<->Elector construction cycle.
type viewAdopterRef struct {
	target interface{ AdoptView(uint64) }
}

func (r *viewAdopterRef) AdoptView(view uint64) {
	if r.target != nil {
		r.target.AdoptView(view)
	}
}

// eventSink implements bft.EventSink, fanning PBFT's protocol events out to
// metrics and the security evidence ledger.
type eventSink struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	security *security.Integrator
}

func (s *eventSink) OnConsensusReached(proposal bft.Proposal, view, sequence uint64) {
	s.metrics.SetCurrentView(float64(view))
	s.logger.Info("consensus reached", zap.Uint64("view", view), zap.Uint64("sequence", sequence))
}

func (s *eventSink) OnByzantineEvidence(agentID consensus.NodeID, reason, detail string) {
	s.metrics.RecordByzantineEvidence(reason)
	s.security.RecordEvidence(string(agentID), security.EvidenceProtocolBreach, detail)
}

func (s *eventSink) OnViewChangeNeeded(reason string) {
	s.metrics.RecordViewChange()
	s.logger.Warn("view change needed", zap.String("reason", reason))
}

// electorFaultSink forwards membership's suspected-faulty signal into the
// view-change elector, once constructed; membership.Detector is built
// before the elector exists, so this indirection breaks that ordering
// dependency the same way viewAdopterRef does for AdoptView.
type electorFaultSink struct {
	elector *election.Elector
}

func (s *electorFaultSink) MarkSuspectedFaulty(nodeID string) {
	if s.elector != nil {
		s.elector.MarkSuspectedFaulty(nodeID)
	}
}
