// Command latticed is the thin host process that wires a node's
// configuration, logging, coordinator and persistence together and drives
// the coordinator's tick loop. Per spec.md §4.6/§5, the core itself has no
// CLI, no environment variables and no network socket of its own — this
// binary supplies all three, and nothing more: it is not a scenario DSL or
// demo harness.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"latticenet/core"
	"latticenet/crypto"
	"latticenet/pkg/config"
)

func main() {
	root := &cobra.Command{
		Use:   "latticed",
		Short: "run a latticenet node host process",
		RunE:  run,
	}
	root.Flags().String("env", "", "environment overlay to merge over the default config")
	root.Flags().Duration("tick-interval", time.Second, "interval between coordinator ticks")
	root.Flags().Duration("snapshot-interval", time.Minute, "interval between persistence snapshots")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("latticed exited with error")
	}
}

func run(cmd *cobra.Command, _ []string) error {
	env, _ := cmd.Flags().GetString("env")
	tickInterval, _ := cmd.Flags().GetDuration("tick-interval")
	snapshotInterval, _ := cmd.Flags().GetDuration("snapshot-interval")

	cfg, err := config.Load(env)
	if err != nil {
		return err
	}

	log := logrus.New()
	if level, lerr := logrus.ParseLevel(cfg.Logging.Level); lerr == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.File != "" {
		f, ferr := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		log.SetOutput(f)
	}

	host, err := newHost(cfg, log)
	if err != nil {
		return err
	}
	defer host.close()

	log.WithFields(logrus.Fields{
		"entity": cfg.Node.EntityID, "signer": cfg.Node.SignerID,
		"isProposer": cfg.Node.IsProposer,
	}).Info("latticed starting")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	snapshotTicker := time.NewTicker(snapshotInterval)
	defer snapshotTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("latticed shutting down, writing final snapshot")
			return host.snapshot()
		case now := <-ticker.C:
			if err := host.tick(now.UnixMilli()); err != nil {
				log.WithError(err).Error("tick failed")
			}
		case <-snapshotTicker.C:
			if err := host.snapshot(); err != nil {
				log.WithError(err).Error("snapshot failed")
			}
		}
	}
}

// host bundles the long-lived objects a single latticed process owns: the
// coordinator, its input log and a queue of messages (replayed log records
// and locally delivered outputs) not yet handed to a tick.
type host struct {
	log          *logrus.Logger
	coordinator  *core.Coordinator
	inputLog     *core.Log
	snapshotPath string
	pending      []core.RoutedMessage
}

func newHost(cfg *config.Config, log *logrus.Logger) (*host, error) {
	coordinator := core.NewCoordinator()

	validators := make([]core.SignerId, 0, len(cfg.Consensus.Validators))
	shares := make(map[core.SignerId]int64, len(cfg.Consensus.Validators))
	validatorKeys := make(map[core.SignerId]*crypto.PublicKey, len(cfg.Consensus.Validators))
	for _, v := range cfg.Consensus.Validators {
		signer := core.SignerId(v.SignerID)
		validators = append(validators, signer)
		shares[signer] = v.Share
		if v.PublicKey == "" {
			continue
		}
		raw, err := hex.DecodeString(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode public key for validator %s: %w", v.SignerID, err)
		}
		pub, err := crypto.PublicKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("parse public key for validator %s: %w", v.SignerID, err)
		}
		validatorKeys[signer] = pub
	}
	consensusCfg := core.ConsensusConfig{
		Mode: cfg.Consensus.Mode, Threshold: cfg.Consensus.Threshold,
		Validators: validators, Shares: shares,
		ProposerId:    core.SignerId(cfg.Consensus.ProposerID),
		ValidatorKeys: validatorKeys,
	}

	var signingKey *crypto.PrivateKey
	if cfg.Node.SigningKey != "" {
		raw, err := hex.DecodeString(cfg.Node.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("decode node signing key: %w", err)
		}
		signingKey, err = crypto.PrivateKeyFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("parse node signing key: %w", err)
		}
	}

	entity := core.EntityId(cfg.Node.EntityID)
	signer := core.SignerId(cfg.Node.SignerID)
	routingKey := core.RoutingKey(entity, signer)

	snapshot, found, err := core.ReadSnapshot(cfg.Persistence.SnapshotPath)
	if err != nil {
		return nil, err
	}
	var recoveredHeight uint64
	state := core.NewEntityState(entity, consensusCfg)
	if found {
		for _, rs := range snapshot.Replicas {
			if rs.RoutingKey != routingKey {
				continue
			}
			state = core.RestoreEntityState(rs, consensusCfg)
			recoveredHeight = snapshot.Height
			coordinator.Height = snapshot.Height
			coordinator.Timestamp = snapshot.Timestamp
			log.WithField("height", snapshot.Height).Info("recovered from snapshot")
			break
		}
	}
	replica := core.NewEntityReplica(signer, cfg.Node.IsProposer, state, signingKey)
	coordinator.AddReplica(entity, signer, replica)

	records, err := core.ReadLog(cfg.Persistence.LogPath)
	if err != nil {
		return nil, err
	}
	replay := core.RecordsAfter(records, recoveredHeight)
	log.WithField("records", len(replay)).Info("replaying log records since snapshot")
	// Replayed records are re-delivered as coordinator inputs on the first
	// tick rather than applied here directly, so the exact same
	// dispatch/validation path that processed them live processes them
	// again on recovery.
	var pending []core.RoutedMessage
	for _, rec := range replay {
		msg, err := core.DecodeRoutedMessage(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode replayed log record %d: %w", rec.SequenceNumber, err)
		}
		pending = append(pending, msg)
	}

	inputLog, err := core.OpenLog(cfg.Persistence.LogPath)
	if err != nil {
		return nil, err
	}

	return &host{
		log: log, coordinator: coordinator, inputLog: inputLog,
		snapshotPath: cfg.Persistence.SnapshotPath, pending: pending,
	}, nil
}

func (h *host) tick(nowMs int64) error {
	inputs := h.pending
	h.pending = nil
	for _, in := range inputs {
		encoded, err := core.EncodeRoutedMessage(in)
		if err != nil {
			return err
		}
		if _, err := h.inputLog.Append(nowMs, encoded); err != nil {
			return err
		}
	}
	delivered, remote, err := h.coordinator.Tick(nowMs, inputs)
	if err != nil {
		return err
	}
	for _, out := range delivered {
		h.pending = append(h.pending, out)
	}
	if len(remote) > 0 {
		h.log.WithField("count", len(remote)).Debug("messages destined for remote hosts dropped (no transport wired)")
	}
	return nil
}

func (h *host) snapshot() error {
	snap := core.BuildSnapshot(h.coordinator)
	return core.WriteSnapshot(h.snapshotPath, snap)
}

func (h *host) close() error {
	return h.inputLog.Close()
}
