package main

import (
	"fmt"
	"os"

	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"

	"github.com/go-i2p/go-hopwire/lib/config"
	"github.com/go-i2p/go-hopwire/lib/node"
	"github.com/go-i2p/go-hopwire/lib/psk"
	"github.com/go-i2p/go-hopwire/lib/util/signals"
)

var log = logger.GetGoI2PLogger()

var rootCmd = &cobra.Command{
	Use:   "hopwire",
	Short: "Covert port-hopping UDP transport node",
	Long: "hopwire runs sessions over a pseudorandom UDP port schedule derived " +
		"from a handshake both peers share. The node accepts sessions on its " +
		"contact port and dials the peers listed in its configuration.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hopwire node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode()
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a pre-shared key for the key file",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := psk.Generate()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	cobra.OnInitialize(config.InitConfig)
	rootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.hopwire/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keygenCmd)
}

func runNode() error {
	cfg := config.NewNodeConfigFromViper()

	n, err := node.CreateNode(cfg, func(peer string, payload []byte) {
		log.WithField("peer", peer).Debugf("received %d payload bytes", len(payload))
	})
	if err != nil {
		log.Errorf("failed to create hopwire node: %s", err)
		return err
	}

	go signals.Handle()
	// Peers get their administrative reset before the interrupt path runs.
	signals.RegisterPreShutdownHandler(func() {
		n.Registry().CloseAll()
	})
	signals.RegisterInterruptHandler(func() {
		n.Stop()
	})

	log.Debug("starting hopwire node")
	n.Start()
	n.Wait()
	return n.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
