// Package config loads and validates the kindle configuration.
//
// A configuration names the resource catalog, the classification rules, the
// cache tiers, the persistence store and the activation limits. Files may be
// YAML, JSON or CUE; every field that a file omits keeps its value from
// Default. CUE files are checked against a built-in schema before decoding,
// so type and range errors are reported with source positions.
//
//	cfg, err := config.Load("kindle.cue")
//	if err != nil {
//	    return err
//	}
//
// Watch reloads a configuration file when it changes, which lets a running
// server swap its rule table without a restart.
package config
