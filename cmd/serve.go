// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/keystone/kds/api"
	"github.com/keystone/kds/internal/group"
	"github.com/keystone/kds/internal/masterkey"
	"github.com/keystone/kds/internal/storage"
	"github.com/keystone/kds/internal/ticket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the key distribution service's HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg KDSConfig
		if err := loadConfig(cmd, &cfg); err != nil {
			return err
		}
		return runServe(&cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("http.ip", "127.0.0.1", "Address to listen on")
	serveCmd.Flags().String("http.port", "8443", "Port to listen on")
	serveCmd.Flags().String("http.cert", "", "Path to the server's TLS certificate")
	serveCmd.Flags().String("http.key", "", "Path to the server's TLS private key")
	serveCmd.Flags().String("db.type", "memory", "Key store backend: memory, sqlite, or postgres")
	serveCmd.Flags().String("db.dsn", "", "Key store data source name (unused for memory)")
	serveCmd.Flags().String("master_key.file", "/etc/keystone/kds.mkey", "Path to the master key file")
	serveCmd.Flags().Int("ticket.lifetime_seconds", 3600, "Maximum age of an issued ticket, in seconds")
	serveCmd.Flags().Int("ticket.clock_skew_seconds", 30, "Maximum future clock skew tolerated on a request timestamp")
	serveCmd.Flags().Int("group_key.timeout", 900, "Group-key validity, in seconds")
	serveCmd.Flags().Int("group_key.renew_time", 120, "Pre-expiry threshold to mint a new group-key generation, in seconds")
	serveCmd.Flags().Int("group_key.additional_retrieve", 600, "Grace window for fetching an expired group-key generation, in seconds")
}

func runServe(cfg *KDSConfig) error {
	ticketCfg := cfg.Ticket.withDefaults()
	groupCfg := cfg.GroupKey.withDefaults()

	mk, err := masterkey.Load(cfg.MasterKey.File)
	if err != nil {
		return fmt.Errorf("loading master key: %w", err)
	}

	codec := storage.New(mk)

	store, err := cfg.DB.openStore(groupCfg.AdditionalRetrieve())
	if err != nil {
		return fmt.Errorf("opening key store: %w", err)
	}

	groups := group.New(store, codec, group.Config{
		Timeout:            groupCfg.Timeout(),
		RenewTime:          groupCfg.RenewTime(),
		AdditionalRetrieve: groupCfg.AdditionalRetrieve(),
	})

	engine := ticket.New(codec, store, groups, ticket.Config{
		TTL:       ticketCfg.Lifetime(),
		ClockSkew: ticketCfg.ClockSkew(),
	})

	srv := api.NewServer(api.Config{
		Addr:    cfg.HTTP.ListenAddress(),
		Version: version(),
		TLS: api.TLSConfig{
			CertPath: cfg.HTTP.CertPath,
			KeyPath:  cfg.HTTP.KeyPath,
		},
		RateLimit: api.RateLimitConfig{
			RequestsPerSecond: cfg.HTTP.RateLimit.RequestsPerSecond,
			Burst:             cfg.HTTP.RateLimit.Burst,
		},
	}, engine)

	return srv.Start()
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}
