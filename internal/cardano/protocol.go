package cardano

// Protocol-version gates observed as bugs in the source and preserved
// verbatim as thresholds:
//
//   - pre-Alonzo (<5): MIR credits to the same address within one
//     application overwrite; Alonzo+ accumulate.
//   - pre-Allegra (<3): reward dedup keeps the minimum (RewardType,
//     PoolId) pair, Leader < Member, then lexicographic pool hash.
//   - below major version 7: unregistered accounts are excluded
//     before RUPD calculation; from that version on, filtering
//     happens at EWRAP instead.
const (
	ProtocolAllegra = 3
	ProtocolAlonzo  = 5
	ProtocolRupdFilterAtEwrap = 7
)

// MIROverwrites reports whether a second MIR credit to the same
// address within one application overwrites (true) or accumulates
// (false) the first, per protocol major version.
func MIROverwrites(protocolMajor uint32) bool {
	return protocolMajor < ProtocolAlonzo
}

// RewardDedupAppliesPreAllegra reports whether the pre-Allegra
// leader/member reward dedup rule is in effect.
func RewardDedupAppliesPreAllegra(protocolMajor uint32) bool {
	return protocolMajor < ProtocolAllegra
}

// FilterUnregisteredBeforeRupd reports whether unregistered accounts
// should be excluded before RUPD reward calculation (true) or
// calculated for all accounts and filtered later at EWRAP (false).
func FilterUnregisteredBeforeRupd(protocolMajor uint32) bool {
	return protocolMajor < ProtocolRupdFilterAtEwrap
}
