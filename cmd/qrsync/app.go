package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/olrightythen/smart-qr-menu-system-sub000/backoff"
	"github.com/olrightythen/smart-qr-menu-system-sub000/cart"
	"github.com/olrightythen/smart-qr-menu-system-sub000/channel"
	"github.com/olrightythen/smart-qr-menu-system-sub000/cmd/qrsync/internal/config"
	"github.com/olrightythen/smart-qr-menu-system-sub000/internal/api"
	"github.com/olrightythen/smart-qr-menu-system-sub000/internal/origin"
	applog "github.com/olrightythen/smart-qr-menu-system-sub000/log"
	"github.com/olrightythen/smart-qr-menu-system-sub000/notify"
	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
	"github.com/olrightythen/smart-qr-menu-system-sub000/pkg/sqllogger"
	"github.com/olrightythen/smart-qr-menu-system-sub000/ratelimit"
	"github.com/olrightythen/smart-qr-menu-system-sub000/reconcile"
	"github.com/olrightythen/smart-qr-menu-system-sub000/storage"
	"github.com/olrightythen/smart-qr-menu-system-sub000/verify"
	"github.com/olrightythen/smart-qr-menu-system-sub000/webui"
)

// channelNames index the conns map; also used as slog group labels.
const (
	channelNotifications = "notifications"
	channelTracking      = "tracking"
	channelTable         = "table"
)

// App owns every long-lived component of the sync agent.
type App struct {
	cfg    config.AppConfig
	logger *slog.Logger

	store    *storage.Storage
	dbLog    *sqllogger.Handler
	rec      *reconcile.Reconciler
	dedup    *notify.Deduplicator
	cart     *cart.Manager
	verifier *verify.Verifier
	stream   *api.StreamController
	conns    map[string]*channel.Conn
	server   *http.Server
}

// NewApp wires the components together. Nothing is connected or served
// until Run.
func NewApp(cfg config.AppConfig) (*App, error) {
	console := config.GetLogHandler(cfg)
	if filtered := applog.NewGroupFilterHandler(console, cfg.LogGroups); filtered != nil {
		console = filtered
	}

	store, err := storage.New(cfg.StoragePath,
		storage.WithLogger(slog.New(console)))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	dbLog, err := sqllogger.NewHandler(
		sqllogger.WithInsertFunc(store.LogInsertFunc()),
		sqllogger.WithMinLevel(slog.LevelWarn),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("log sink: %w", err)
	}

	logger := slog.New(applog.NewFanoutHandler(console, dbLog))
	slog.SetDefault(logger)

	stream := api.NewStreamController(api.WithStreamLogger(logger))
	client := verify.NewClient(cfg.APIBaseURL, cfg.AuthToken,
		verify.WithLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerWindow: cfg.RESTRequestsPerMinute,
			Logger:            logger,
		})))

	rec := reconcile.New(reconcile.Config{
		Store: store,
		Scope: &reconcile.Scope{
			VendorID:        cfg.VendorID,
			TableIdentifier: cfg.TableIdentifier,
		},
		Logger: logger,
	})

	cartMgr := cart.NewManager(cart.Config{
		Store:    store,
		Creator:  client,
		Recorder: rec,
		VendorID: cfg.VendorID,
		Table:    cfg.TableIdentifier,
		Logger:   logger,
	})
	rec.AttachBookings(cartMgr)

	dedup := notify.New(notify.Config{
		Toasts: store,
		Logger: logger,
	})

	verifier := verify.New(client, store, rec,
		verify.WithLogger(logger))

	app := &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		dbLog:    dbLog,
		rec:      rec,
		dedup:    dedup,
		cart:     cartMgr,
		verifier: verifier,
		stream:   stream,
		conns:    map[string]*channel.Conn{},
	}

	rec.Subscribe(func(r order.Record, out reconcile.Outcome, src reconcile.Source) {
		stream.Publish(api.StreamEvent{
			Type:    api.StreamEventOrder,
			Order:   &r,
			Outcome: string(out),
			Source:  string(src),
		})
	})
	dedup.Subscribe(func(n order.Notification, d notify.Decision) {
		stream.Publish(api.StreamEvent{
			Type:         api.StreamEventNotification,
			Notification: &n,
			Outcome:      string(d),
		})
	})

	app.buildChannels()
	app.buildServer()
	return app, nil
}

func (a *App) buildChannels() {
	if a.cfg.AccountID != 0 {
		a.conns[channelNotifications] = channel.New(channel.Config{
			Name:   channelNotifications,
			URL:    channel.NotificationURL(a.cfg.WSBaseURL, a.cfg.AccountID, a.cfg.AuthToken),
			Logger: a.logger,
		}, a.handlersFor(channelNotifications))
	}
	if a.cfg.OrderID != 0 {
		a.conns[channelTracking] = channel.New(channel.Config{
			Name:   channelTracking,
			URL:    channel.TrackingURL(a.cfg.WSBaseURL, a.cfg.OrderID),
			Policy: backoff.Tracking(),
			Logger: a.logger,
		}, a.handlersFor(channelTracking))
	}
	a.conns[channelTable] = channel.New(channel.Config{
		Name:   channelTable,
		URL:    channel.TableURL(a.cfg.WSBaseURL, a.cfg.VendorID, a.cfg.TableIdentifier),
		Logger: a.logger,
	}, a.handlersFor(channelTable))
}

func (a *App) handlersFor(name string) channel.Handlers {
	return channel.Handlers{
		OnFrame: func(env order.Envelope) {
			a.dispatchFrame(name, env)
		},
		OnStateChange: func(snap channel.Snapshot) {
			a.stream.Publish(api.StreamEvent{
				Type:    api.StreamEventChannel,
				Channel: &api.ChannelUpdate{Name: name, Snapshot: snap},
			})
		},
		OnGiveUp: func() {
			// Push is gone; fall back to REST so cached state cannot rot.
			a.logger.Warn("channel gave up, falling back to verification",
				slog.String("channel", name))
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := a.verifier.Sweep(ctx); err != nil {
					a.logger.Warn("fallback sweep failed",
						slog.String("error", err.Error()))
				}
			}()
		},
	}
}

// dispatchFrame routes one decoded envelope from channel name into the
// reconciler or the deduplicator. Runs on the channel's read goroutine;
// anything slow is pushed onto its own goroutine.
func (a *App) dispatchFrame(name string, env order.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case order.FrameVendorNotification:
		n, err := order.DecodeNotification(env.Data, time.Now())
		if err != nil {
			a.logger.Warn("dropping malformed notification",
				slog.String("error", err.Error()))
			return
		}
		if _, err := a.dedup.Offer(ctx, n); err != nil {
			a.logger.Warn("notification dedup failed",
				slog.String("error", err.Error()))
		}
		// Order-bearing notifications double as status events.
		if n.Data.OrderID != 0 && n.Data.Status != "" {
			a.applyEvent(ctx, reconcile.SourceNotification, order.Event{
				OrderID:   n.Data.OrderID,
				Status:    n.Data.Status,
				UpdatedAt: n.CreatedAt,
				Signed:    true,
			})
		}

	case order.FrameOrderUpdate, order.FrameOrderStatus, order.FrameOrderStatusUpdate:
		evt, err := order.DecodeOrderEvent(env.Data)
		if err != nil {
			a.logger.Warn("dropping bad order frame",
				slog.String("channel", name),
				slog.String("type", env.Type),
				slog.String("error", err.Error()))
			if errors.Is(err, order.ErrIncompleteUpdate) {
				a.verifyFallback(env.Data)
			}
			return
		}
		a.applyEvent(ctx, sourceFor(name), evt)

	case order.FrameTableStatusUpdate:
		// Table-level frames carry no order payload; re-fetch the vendor's
		// list instead of guessing.
		go func() {
			vctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.verifier.ReconcileVendor(vctx, a.cfg.VendorID); err != nil {
				a.logger.Warn("vendor reconcile failed",
					slog.String("error", err.Error()))
			}
		}()

	case order.FrameNotificationRead:
		// Server acknowledged a read receipt; nothing to merge.

	default:
		a.logger.Debug("ignoring frame",
			slog.String("channel", name),
			slog.String("type", env.Type))
	}
}

func (a *App) applyEvent(ctx context.Context, src reconcile.Source, evt order.Event) {
	out, err := a.rec.Apply(ctx, src, evt)
	if err != nil {
		a.logger.Error("reconcile failed",
			slog.Int64("order_id", evt.OrderID),
			slog.String("error", err.Error()))
		return
	}
	if out == reconcile.OutcomeRejectedUnsigned {
		// The push payload could not be trusted; REST is authoritative.
		go func() {
			vctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := a.verifier.VerifyOrder(vctx, evt.OrderID); err != nil &&
				!errors.Is(err, verify.ErrThrottled) {
				a.logger.Warn("fallback verify failed",
					slog.Int64("order_id", evt.OrderID),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// verifyFallback pulls an order id out of an otherwise unusable payload
// and re-fetches it over REST.
func (a *App) verifyFallback(data []byte) {
	var probe struct {
		ID      int64 `json:"id"`
		OrderID int64 `json:"order_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}
	id := probe.ID
	if id == 0 {
		id = probe.OrderID
	}
	if id == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.verifier.VerifyOrder(ctx, id); err != nil &&
			!errors.Is(err, verify.ErrThrottled) {
			a.logger.Warn("fallback verify failed",
				slog.Int64("order_id", id),
				slog.String("error", err.Error()))
		}
	}()
}

func sourceFor(name string) reconcile.Source {
	switch name {
	case channelTracking:
		return reconcile.SourceTracking
	case channelTable:
		return reconcile.SourceTable
	default:
		return reconcile.SourceNotification
	}
}

func (a *App) buildServer() {
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: origin.BuildAllowedOrigins(a.cfg.HTTPListen, a.cfg.CORSOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	handler := api.NewHandler(a.store, a.dedup, a.channelStatus, a.stream,
		api.WithHandlerLogger(a.logger))

	mux := handler.Routes()
	mux.Handle("GET /", webui.Handler())

	a.server = &http.Server{
		Addr:              a.cfg.HTTPListen,
		Handler:           corsMiddleware.Handler(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) channelStatus() map[string]channel.Snapshot {
	out := make(map[string]channel.Snapshot, len(a.conns))
	for name, conn := range a.conns {
		out[name] = conn.State()
	}
	return out
}

// Run opens the channels, serves the API, and sweeps on the configured
// interval until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	for name, conn := range a.conns {
		if err := conn.Open(); err != nil {
			a.logger.Error("channel open failed",
				slog.String("channel", name),
				slog.String("error", err.Error()))
		}
	}

	// Catch up on whatever happened while we were down.
	go func() {
		sctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := a.verifier.Sweep(sctx); err != nil {
			a.logger.Warn("startup sweep failed", slog.String("error", err.Error()))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http api listening", slog.String("addr", a.cfg.HTTPListen))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := a.verifier.Run(gctx, a.cfg.VerifyInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	return g.Wait()
}

func (a *App) shutdown() {
	a.logger.Info("shutting down")

	for _, conn := range a.conns {
		conn.Close("shutdown")
	}
	a.stream.Flush()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", slog.String("error", err.Error()))
	}

	if err := a.dbLog.Close(shutdownCtx); err != nil {
		a.logger.Warn("log sink close", slog.String("error", err.Error()))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("storage close", slog.String("error", err.Error()))
	}
}
