// Command saltwater boots the modelled machine, runs its cores and serves
// introspection over HTTP until interrupted.
//
// Configuration comes from SALTWATER_* environment variables (see package
// config); flags override them:
//
//	saltwater -manifest machine.yaml -addr 127.0.0.1:7070 -log-level debug
//	saltwater -processors 4 -memory 128 -demo-clients 3 -demo-rounds 100
//
// A boot failure exits with status 1 before any core runs.
package main
