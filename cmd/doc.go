// Package cmd implements the command-line interface of dSMR. It provides a
// hierarchical command structure for running replicas and for talking to a
// cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: starts a replica and its client API
//   - kv: key-value operations against a cluster, plus a load generator (perf)
//   - util: shared flag, environment and transport helpers (internal use)
//
// Every flag can also be set through a DSMR_<FLAG> environment variable or a
// .env file. See dsmr --help for a list of all commands.
package cmd
