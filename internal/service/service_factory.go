package service

import (
	"context"

	"go.uber.org/zap"

	"invite-gate/internal/config"
	"invite-gate/internal/repository"
	"invite-gate/internal/transport"
)

// Backends are the stores and ports the services are built from.
type Backends struct {
	Links      repository.LinkStore
	Challenges repository.ChallengeStore
	Directory  repository.RecipientDirectory
	Runs       repository.BroadcastRunStore
	Deliveries repository.DeliveryRecorder
	Messenger  transport.Messenger
	Events     EventPublisher
	Health     HealthProber
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	root        context.Context
	config      *config.Config
	backends    Backends
	botUsername string
	logger      *zap.Logger

	membership  *ChannelMembership
	gateway     *Gateway
	broadcaster *Broadcaster
	admin       *AdminService
}

// NewServiceFactory creates a new service factory. Broadcasts launched through
// it run under root.
func NewServiceFactory(root context.Context, cfg *config.Config, backends Backends, botUsername string, logger *zap.Logger) *ServiceFactory {
	if backends.Events == nil {
		backends.Events = NopPublisher{}
	}
	return &ServiceFactory{
		root:        root,
		config:      cfg,
		backends:    backends,
		botUsername: botUsername,
		logger:      logger,
	}
}

func (f *ServiceFactory) Membership() *ChannelMembership {
	if f.membership == nil {
		f.membership = NewChannelMembership(f.backends.Messenger, f.config, f.logger.Named("membership"))
		f.logger.Info("Membership gate configured",
			zap.Int("required_channels", len(f.config.Gateway.RequiredChannels)),
			zap.String("policy", string(f.config.Gateway.MembershipPolicy)))
	}
	return f.membership
}

// Gateway returns the verification gateway instance (singleton)
func (f *ServiceFactory) Gateway() *Gateway {
	if f.gateway == nil {
		f.gateway = NewGateway(f.config, GatewayDeps{
			Links:      f.backends.Links,
			Challenges: f.backends.Challenges,
			Messenger:  f.backends.Messenger,
			Membership: f.Membership(),
			Generator:  NewRandomGenerator(),
			Events:     f.backends.Events,
		}, f.botUsername, f.logger.Named("gateway"))
	}
	return f.gateway
}

// Broadcaster returns the broadcast engine instance (singleton)
func (f *ServiceFactory) Broadcaster() *Broadcaster {
	if f.broadcaster == nil {
		f.broadcaster = NewBroadcaster(f.root, f.config, BroadcastDeps{
			Directory:  f.backends.Directory,
			Runs:       f.backends.Runs,
			Deliveries: f.backends.Deliveries,
			Messenger:  f.backends.Messenger,
			Events:     f.backends.Events,
		}, f.logger.Named("broadcast"))
	}
	return f.broadcaster
}

// AdminService returns the operator command service (singleton)
func (f *ServiceFactory) AdminService() *AdminService {
	if f.admin == nil {
		f.admin = NewAdminService(f.config, AdminDeps{
			Links:      f.backends.Links,
			Challenges: f.backends.Challenges,
			Directory:  f.backends.Directory,
			Runs:       f.backends.Runs,
			Messenger:  f.backends.Messenger,
			Health:     f.backends.Health,
		}, f.logger.Named("admin"))
	}
	return f.admin
}

// Cleanup waits for running broadcasts. Cancel root first to stop them early.
func (f *ServiceFactory) Cleanup() {
	if f.broadcaster != nil {
		f.broadcaster.Wait()
	}
}
