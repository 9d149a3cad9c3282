package engine

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dmarins/chatsync/internal/bus"
	"github.com/dmarins/chatsync/internal/clock"
	"github.com/dmarins/chatsync/internal/config"
	"github.com/dmarins/chatsync/internal/logging"
	"github.com/dmarins/chatsync/internal/receipts"
	"github.com/dmarins/chatsync/internal/rest"
	"github.com/dmarins/chatsync/internal/session"
	"github.com/dmarins/chatsync/internal/state"
	"github.com/dmarins/chatsync/internal/subscription"
	"github.com/dmarins/chatsync/internal/transport"
	"github.com/dmarins/chatsync/internal/typing"
)

// Params holds the resolved startup inputs passed to the fx module.
type Params struct {
	ConfigPath string // empty = built-in defaults
	Token      string
}

// Module returns the fx module for the sync engine, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideSession,
			provideLogger,
			provideBus,
			provideClock,
			provideRESTClient,
			provideChannel,
			provideConversationStore,
			provideMessageStore,
			provideTracker,
			provideAggregator,
			provideManager,
			New,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(p.ConfigPath)
}

func provideSession(p Params) (session.Session, error) {
	return session.FromToken(p.Token)
}

func provideLogger(cfg *config.Config, sess session.Session) (*zap.Logger, error) {
	return logging.New(cfg.LogFile, sess.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clock.Clock {
	return clock.System()
}

func provideRESTClient(cfg *config.Config, sess session.Session, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.APIBaseURL, sess.Token, logger)
}

func provideChannel(cfg *config.Config, sess session.Session, b *bus.Bus, logger *zap.Logger) *transport.WSChannel {
	return transport.NewWSChannel(cfg.WSURL, sess.Token, b, logger)
}

func provideConversationStore(client *rest.Client, b *bus.Bus, ck clock.Clock, logger *zap.Logger) *state.ConversationStore {
	return state.NewConversationStore(client, b, ck, logger)
}

func provideMessageStore(client *rest.Client, conversations *state.ConversationStore, b *bus.Bus, sess session.Session, ck clock.Clock, logger *zap.Logger) *state.MessageStore {
	return state.NewMessageStore(client, conversations, b, sess, ck, logger)
}

func provideTracker(cfg *config.Config, ws *transport.WSChannel, b *bus.Bus, ck clock.Clock, logger *zap.Logger) *typing.Tracker {
	return typing.NewTracker(cfg.TypingWindow(), cfg.TypingThrottle(), ws, b, ck, logger)
}

func provideAggregator() *receipts.Aggregator {
	return receipts.NewAggregator()
}

func provideManager(cfg *config.Config, ws *transport.WSChannel, b *bus.Bus, messages *state.MessageStore, conversations *state.ConversationStore, tracker *typing.Tracker, aggregator *receipts.Aggregator, sess session.Session, ck clock.Clock, logger *zap.Logger) *subscription.Manager {
	return subscription.NewManager(subscription.Config{
		Channel:       ws,
		Bus:           b,
		Messages:      messages,
		Conversations: conversations,
		Typing:        tracker,
		Receipts:      aggregator,
		Session:       sess,
		Clock:         ck,
		Logger:        logger,
		MaxAttempts:   cfg.SubscribeMaxAttempts,
		BackoffBase:   cfg.SubscribeBackoff(),
	})
}

func registerLifecycle(lc fx.Lifecycle, ws *transport.WSChannel, eng *Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The dial and the routing loop outlive the start hook.
			if err := ws.Dial(context.Background()); err != nil {
				logger.Warn("channel dial failed, starting degraded", zap.Error(err))
			}
			if err := eng.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("sync engine started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
			if err := ws.Close(); err != nil {
				logger.Warn("channel close failed", zap.Error(err))
			}
			logger.Info("sync engine stopped")
			return nil
		},
	})
}
