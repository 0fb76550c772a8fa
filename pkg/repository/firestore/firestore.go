package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/interfaces"
)

// Collection names, shared with the index migration
const (
	CollectionScheduledMessages = "scheduled_messages"
	CollectionBulkRuns          = "bulk_runs"
	CollectionItemResults       = "results"
)

type Firestore struct {
	client           *firestore.Client
	scheduledMessage *scheduledMessageRepository
	bulkRun          *bulkRunRepository
}

var _ interfaces.Repository = &Firestore{}

type Option func(*Firestore)

// WithCollectionPrefix isolates collections, mainly for tests sharing one database
func WithCollectionPrefix(prefix string) Option {
	return func(f *Firestore) {
		f.scheduledMessage.collectionPrefix = prefix
		f.bulkRun.collectionPrefix = prefix
	}
}

func New(ctx context.Context, projectID, databaseID string, opts ...Option) (*Firestore, error) {
	var client *firestore.Client
	var err error
	if databaseID != "" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("projectID", projectID), goerr.V("databaseID", databaseID))
	}

	f := &Firestore{
		client:           client,
		scheduledMessage: newScheduledMessageRepository(client),
		bulkRun:          newBulkRunRepository(client),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

func (f *Firestore) ScheduledMessage() interfaces.ScheduledMessageRepository {
	return f.scheduledMessage
}

func (f *Firestore) BulkRun() interfaces.BulkRunRepository {
	return f.bulkRun
}

func (f *Firestore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// CollectionName returns the collection name under an optional prefix
func CollectionName(prefix, name string) string {
	if prefix != "" {
		return prefix + "_" + name
	}
	return name
}
