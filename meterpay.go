// Package meterpay implements a gasless stablecoin payment router for
// metered API marketplaces. End users sign EIP-712 permits once; the
// router's admin account spends those permits on their behalf, paying all
// gas, to settle per-call charges to agent publishers — same-chain via the
// allowance vault, cross-chain via Circle's burn-and-mint transfer protocol.
package meterpay

// Version is reported to publishers in request metadata.
const Version = "0.4.0"
