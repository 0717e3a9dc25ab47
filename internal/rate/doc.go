// Package rate gates login, refresh, join, and recovery attempts with
// fixed-window counters kept per (policy, scope key) pair, and manages the
// rate-limit policy lifecycle (enable, disable, retire).
package rate
