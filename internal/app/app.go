// Package app assembles the callhub process: dispatcher, hubs,
// endpoints, managers, banks and the optional event publisher.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/callhub/internal/account"
	"github.com/sebas/callhub/internal/config"
	"github.com/sebas/callhub/internal/core"
	"github.com/sebas/callhub/internal/endpoint"
	"github.com/sebas/callhub/internal/engine"
	"github.com/sebas/callhub/internal/events"
	"github.com/sebas/callhub/internal/manager"
	"github.com/sebas/callhub/internal/stun"
)

// Hub is the assembled callhub core.
type Hub struct {
	cfg *config.Config

	dispatcher *core.Dispatcher
	hub        *events.Bus
	reporter   *core.ErrorReporter

	callCore    *core.CallCore
	accountCore *core.AccountCore
	manager     *manager.CallManager
	endpoints   []*endpoint.Endpoint
	banks       []*account.Bank
	store       account.Store

	publisher events.Publisher
	bridgeSub *events.Subscription
	cancelRun context.CancelFunc
}

// NewHub builds the core from configuration. Nothing runs until Start.
func NewHub(cfg *config.Config) (*Hub, error) {
	d := core.NewDispatcher(0)
	hub := events.NewBus()

	h := &Hub{
		cfg:         cfg,
		dispatcher:  d,
		hub:         hub,
		reporter:    core.NewErrorReporter(hub),
		callCore:    core.NewCallCore(d, hub),
		accountCore: core.NewAccountCore(d, hub),
	}

	var detector *stun.Detector
	if cfg.STUNServer != "" {
		detector = stun.NewDetector(cfg.STUNServer, cfg.STUNTimeout)
	}
	h.manager = manager.New(cfg.File.Manager, d, h.reporter, detector)

	for _, epCfg := range cfg.File.Endpoints {
		ep, err := h.buildEndpoint(epCfg)
		if err != nil {
			return nil, err
		}
		h.endpoints = append(h.endpoints, ep)
		h.manager.AddEndpoint(ep)
		h.accountCore.AddSubscriber(ep)
	}
	h.callCore.AddManager(h.manager)

	store, err := account.OpenSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}
	h.store = store

	for _, bankCfg := range cfg.File.Banks {
		bank := account.NewBank(bankCfg.Name, bankCfg.Family, store, events.NewBus())
		h.banks = append(h.banks, bank)
		h.accountCore.AddBank(bank)
	}

	return h, nil
}

func (h *Hub) buildEndpoint(epCfg config.EndpointFile) (*endpoint.Endpoint, error) {
	lo, hi, err := config.ParsePortRange(epCfg.FallbackPorts)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", epCfg.Protocol, err)
	}

	driver := engine.NewLoopback(engine.DefaultLoopbackConfig(epCfg.Protocol))
	forward := epCfg.Forward
	return endpoint.New(endpoint.Config{
		Protocol:        epCfg.Protocol,
		ListenInterface: epCfg.ListenInterface,
		ListenPort:      epCfg.ListenPort,
		FallbackPorts:   endpoint.PortRange{Lo: lo, Hi: hi},
		LocalParty:      epCfg.LocalParty,
		Forward: endpoint.ForwardPolicy{
			UnconditionalURI:  forward.UnconditionalURI,
			ForwardOnBusy:     forward.ForwardOnBusy,
			BusyURI:           forward.BusyURI,
			ForwardOnNoAnswer: forward.ForwardOnNoAnswer,
			NoAnswerURI:       forward.NoAnswerURI,
			NoAnswerDelay:     time.Duration(forward.NoAnswerDelaySecs) * time.Second,
			RejectDelay:       time.Duration(forward.RejectDelaySecs) * time.Second,
		},
	}, driver, h.dispatcher), nil
}

// Start runs the dispatcher, binds listeners, restores and seeds the
// account banks, starts NAT detection and connects the event publisher.
func (h *Hub) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancelRun = cancel
	h.dispatcher.Run(runCtx)

	for i, ep := range h.endpoints {
		port := h.cfg.File.Endpoints[i].ListenPort
		if port == 0 {
			continue
		}
		if err := ep.SetListenPort(port); err != nil {
			slog.Warn("[Hub] Listener not bound yet", "protocol", ep.Protocol(), "error", err)
		}
	}

	for _, bank := range h.banks {
		if err := bank.Restore(ctx); err != nil {
			return fmt.Errorf("restore bank %s: %w", bank.Name(), err)
		}
	}
	h.seedAccounts(ctx)

	if h.cfg.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = h.cfg.NATSURL
		pub, err := events.NewNATSPublisher(ctx, natsCfg)
		if err != nil {
			// Publishing is an add-on; the core runs without it.
			slog.Warn("[Hub] Event publisher unavailable", "error", err)
			h.reporter.Report("hub", "event publisher unavailable: "+err.Error())
		} else {
			h.publisher = pub
			h.bridgeSub = events.Bridge(h.hub, pub, events.SubjectPrefix+".>")
		}
	}

	h.manager.ApplySettings(manager.RuntimeSettings{
		JitterBufferMS:   h.cfg.File.Media.JitterBufferMS,
		EchoCancellation: h.cfg.File.Media.EchoCancellation,
		SilenceDetection: h.cfg.File.Media.SilenceDetection,
	})
	if len(h.cfg.File.Codecs) > 0 {
		h.manager.SetCodecs(h.cfg.File.Codecs)
	}

	h.manager.Start()
	return nil
}

// seedAccounts adds configured accounts that the store did not already
// hold.
func (h *Hub) seedAccounts(ctx context.Context) {
	for _, bankCfg := range h.cfg.File.Banks {
		bank := h.bankByName(bankCfg.Name)
		if bank == nil {
			continue
		}
		for _, acc := range bankCfg.Accounts {
			p := account.Params{
				Type:        acc.Type,
				Name:        acc.Name,
				Host:        acc.Host,
				User:        acc.User,
				AuthUser:    acc.AuthUser,
				Password:    acc.Password,
				Enabled:     acc.Enabled,
				TimeoutSecs: acc.TimeoutSecs,
			}
			aor := account.AoRFor(p)
			if _, exists := bank.Find(aor); exists {
				continue
			}
			if _, err := bank.Add(ctx, p); err != nil {
				slog.Warn("[Hub] Configured account rejected", "bank", bank.Name(), "name", acc.Name, "error", err)
			}
		}
	}
}

func (h *Hub) bankByName(name string) *account.Bank {
	for _, b := range h.banks {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// Manager returns the call manager.
func (h *Hub) Manager() *manager.CallManager { return h.manager }

// Bus returns the hub event bus carrying the re-emitted core events.
func (h *Hub) Bus() *events.Bus { return h.hub }

// Banks returns the account banks.
func (h *Hub) Banks() []*account.Bank { return h.banks }

// Close tears the core down in reverse dependency order.
func (h *Hub) Close() {
	if h.bridgeSub != nil {
		h.bridgeSub.Close()
	}
	if h.publisher != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.publisher.Flush(flushCtx); err != nil {
			slog.Warn("[Hub] Event publisher flush incomplete", "error", err)
		}
		cancel()
		h.publisher.Close()
	}

	h.callCore.Close()
	h.accountCore.Close()
	for _, ep := range h.endpoints {
		ep.Close()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.dispatcher.Drain(drainCtx); err != nil {
		slog.Warn("[Hub] Dispatcher drain timed out")
	}
	h.dispatcher.Stop()
	if h.cancelRun != nil {
		h.cancelRun()
	}

	if h.store != nil {
		if err := h.store.Close(); err != nil {
			slog.Warn("[Hub] Account store close failed", "error", err)
		}
	}
}
