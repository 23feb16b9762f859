package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kasuganosora/guidegame/client/client"
	"github.com/kasuganosora/guidegame/client/config"
	dbadapter "github.com/kasuganosora/guidegame/client/db"
	"github.com/kasuganosora/guidegame/client/hook"
	"github.com/kasuganosora/guidegame/client/journal"
	"github.com/kasuganosora/guidegame/client/model"
	"github.com/kasuganosora/guidegame/client/sink"
	"github.com/kasuganosora/guidegame/client/statusapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd(cfgPath *string) *cobra.Command {
	var team string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the game server and keep the session in sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if team != "" {
				cfg.Client.AutoJoinTeam = team
			}

			logger, err := newLogger(cfg.Client.Debug)
			if err != nil {
				return errors.Wrap(err, "logger")
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// ---- Cache / PubSub ----
			backend, err := openCache(cfg.Cache)
			if err != nil {
				return err
			}
			defer backend.Close()

			// ---- Journal ----
			var jr *journal.Journal
			if cfg.Journal.Enabled {
				db, err := dbadapter.Open(cfg.Journal)
				if err != nil {
					return errors.Wrap(err, "journal db")
				}
				if err := model.AutoMigrate(db); err != nil {
					return errors.Wrap(err, "journal migrate")
				}
				jr = journal.New(db, journal.Options{
					BatchSize:     cfg.Journal.BatchSize,
					FlushInterval: cfg.Journal.FlushInterval,
				}, logger.Named("journal"))
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					jr.Stop(stopCtx)
				}()
				logger.Info("journal enabled", zap.String("mode", cfg.Journal.Mode))
			}

			// ---- Client ----
			hooks := hook.NewHookCenter()
			hooks.Register(hook.OnConnectionChanged, 0, "guidecli", func(_ context.Context, _ string, data interface{}) (interface{}, error) {
				logger.Info("connection changed", zap.Any("connected", data))
				return data, nil
			})
			out := sink.Multi{
				sink.NewLogSink(logger.Named("sink")),
				sink.NewPubSubSink(backend, cfg.Client.EffectsChannel, logger.Named("sink")),
			}
			cl, err := client.New(cfg.Client, client.Options{
				Sink:    out,
				Hooks:   hooks,
				Cache:   backend,
				Journal: jr,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := cl.Connect(ctx); err != nil {
				return errors.Wrap(err, "connect")
			}
			logger.Info("connected", zap.String("server", cfg.Client.ServerURL))

			// The on-connect rejoin sends join_room for the configured team.
			if cfg.Client.AutoJoinTeam != "" {
				logger.Info("joining team on connect", zap.String("team_id", cfg.Client.AutoJoinTeam))
			}

			// ---- Status API ----
			if cfg.Status.Addr == "" {
				<-ctx.Done()
				return nil
			}
			if cfg.Status.APIKey == "" {
				logger.Warn("status.api_key is not set; action endpoints are disabled")
			}
			srv := statusapi.New(cfg.Status, cl, backend, cfg.Client.EffectsChannel, logger.Named("status"))
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team to join once connected (overrides client.auto_join_team)")
	return cmd
}
