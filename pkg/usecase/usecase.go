package usecase

import (
	"time"

	"github.com/google/uuid"

	"github.com/secmon-lab/herald/pkg/domain/interfaces"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/service/emojisource"
	"github.com/secmon-lab/herald/pkg/service/rocketchat"
)

const (
	// DefaultDispatchConcurrency bounds concurrent gateway calls of one scan
	DefaultDispatchConcurrency = 8
	// DefaultDispatchBatch bounds the due messages taken by one scan
	DefaultDispatchBatch = 200
	// DefaultClaimLease is how long a dispatcher owns a claimed message
	DefaultClaimLease = 2 * time.Minute
	// DefaultRunLease is how long a bulk run stays alive without a heartbeat.
	// It must outlast the slowest single item.
	DefaultRunLease = 5 * time.Minute
)

type UseCases struct {
	repo     interfaces.Repository
	registry *model.WorkspaceRegistry
	gateway  rocketchat.Service
	fetcher  emojisource.Fetcher
	notifier Notifier
	clock    func() time.Time

	dispatchConcurrency int
	dispatchBatch       int
	claimLease          time.Duration
	runLease            time.Duration
	instanceID          string

	Delivery  *DeliveryUseCase
	Reconcile *ReconcileUseCase
	Bulk      *BulkUseCase
}

type Option func(*UseCases)

// WithEmojiFetcher sets where emoji images are loaded from
func WithEmojiFetcher(f emojisource.Fetcher) Option {
	return func(uc *UseCases) {
		uc.fetcher = f
	}
}

// WithNotifier enables operator notifications
func WithNotifier(n Notifier) Option {
	return func(uc *UseCases) {
		uc.notifier = n
	}
}

func WithClock(clock func() time.Time) Option {
	return func(uc *UseCases) {
		uc.clock = clock
	}
}

func WithDispatchConcurrency(n int) Option {
	return func(uc *UseCases) {
		if n > 0 {
			uc.dispatchConcurrency = n
		}
	}
}

func WithDispatchBatch(n int) Option {
	return func(uc *UseCases) {
		if n > 0 {
			uc.dispatchBatch = n
		}
	}
}

func WithClaimLease(d time.Duration) Option {
	return func(uc *UseCases) {
		if d > 0 {
			uc.claimLease = d
		}
	}
}

// WithRunLease sets how long a bulk run survives without a heartbeat
func WithRunLease(d time.Duration) Option {
	return func(uc *UseCases) {
		if d > 0 {
			uc.runLease = d
		}
	}
}

// WithInstanceID names this process as the owner of the bulk runs it executes
func WithInstanceID(id string) Option {
	return func(uc *UseCases) {
		if id != "" {
			uc.instanceID = id
		}
	}
}

func New(repo interfaces.Repository, registry *model.WorkspaceRegistry, gateway rocketchat.Service, opts ...Option) *UseCases {
	uc := &UseCases{
		repo:                repo,
		registry:            registry,
		gateway:             gateway,
		clock:               time.Now,
		dispatchConcurrency: DefaultDispatchConcurrency,
		dispatchBatch:       DefaultDispatchBatch,
		claimLease:          DefaultClaimLease,
		runLease:            DefaultRunLease,
		instanceID:          uuid.NewString(),
	}

	for _, opt := range opts {
		opt(uc)
	}
	if uc.fetcher == nil {
		uc.fetcher = emojisource.New()
	}

	uc.Delivery = &DeliveryUseCase{uc: uc}
	uc.Reconcile = &ReconcileUseCase{uc: uc}
	uc.Bulk = newBulkUseCase(uc)

	return uc
}

// Workspaces returns the configured workspaces in registration order
func (uc *UseCases) Workspaces() []model.Workspace {
	return uc.registry.Workspaces()
}

// InstanceID identifies this process in the run ledger
func (uc *UseCases) InstanceID() string {
	return uc.instanceID
}

func (uc *UseCases) now() time.Time {
	return uc.clock().UTC()
}
