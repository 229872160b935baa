package cli

import (
	"github.com/spf13/cobra"

	"github.com/vinayprograms/botkit/internal/daemon"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the daemon: restore persisted workers, serve the HTTP API and
monitor health until SIGINT or SIGTERM, then stop every worker within the
shutdown timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = bindServeFlags(cmd)
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			logger.Info("botkitd_starting", map[string]interface{}{
				"version": versionInfo.Version,
				"addr":    cfg.HTTP.Addr,
				"bus":     cfg.Bus.Backend,
				"store":   cfg.Store.Backend,
			})

			d, err := daemon.New(cmd.Context(), cfg, versionInfo.Version, logger)
			if err != nil {
				return err
			}
			return d.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().String("store", "", "worker store: memory, redis or nats")
	cmd.Flags().String("bus", "", "message bus: memory, nats or none")
	cmd.Flags().Bool("autostart", true, "restart workers that were running at last shutdown")
	return cmd
}

func bindServeFlags(cmd *cobra.Command) error {
	for key, name := range map[string]string{
		"http.addr":           "addr",
		"store.backend":       "store",
		"bus.backend":         "bus",
		"lifecycle.autostart": "autostart",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}
