package core

import "latticenet/crypto"

// ConsensusConfig carries the BFT parameters for one entity: the
// consensus mode, the share-weighted quorum threshold, the validator set
// and each validator's share (spec §3's EntityState.config). ValidatorKeys
// binds each validator's signing identity to the public key its proposals
// and precommits are verified against (spec §7's signature-gated inbound
// path); a validator with no entry here can never have its messages
// accepted.
type ConsensusConfig struct {
	Mode          string
	Threshold     int64
	Validators    []SignerId
	Shares        map[SignerId]int64
	ProposerId    SignerId
	ValidatorKeys map[SignerId]*crypto.PublicKey
}

// isValidator reports whether signer is a recognised validator.
func (c ConsensusConfig) isValidator(signer SignerId) bool {
	for _, v := range c.Validators {
		if v == signer {
			return true
		}
	}
	return false
}

// Power sums config.shares[s] over signers that are recognised
// validators, per spec §4.5's quorum power definition.
func Power(signers map[SignerId]bool, cfg ConsensusConfig) int64 {
	var total int64
	for s := range signers {
		if cfg.isValidator(s) {
			total += cfg.Shares[s]
		}
	}
	return total
}

// QuorumReached reports whether the given precommitting signer set meets
// the configured threshold.
func QuorumReached(signers map[SignerId]bool, cfg ConsensusConfig) bool {
	return Power(signers, cfg) >= cfg.Threshold
}
