// Package config provides startup configuration for the transaction
// runtime: run mode, HTTP listener, trust directory backends, rate
// limiting, transaction logging, approvals and event publishing. The
// configuration is constructed once at process start and handed to
// component constructors explicitly.
package config
