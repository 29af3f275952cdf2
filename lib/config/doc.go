// Package config provides configuration management for the hopwire node.
//
// Configuration lives in a single YAML file under $HOME/.hopwire/ (or the
// path given with --config). Defaults are registered with viper before the
// file is read, so a missing file yields a fully working node and a freshly
// created config file documents every tunable.
//
// The package distinguishes the node's own identity settings (listen and
// advertise addresses, contact port) from the hop schedule parameters that
// both peers must agree on (base port, port range, hop interval). Peers to
// dial at startup are listed under the "peers" key, each naming the
// pre-shared key to mix into its handshake.
package config
