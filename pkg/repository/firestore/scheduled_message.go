package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/herald/pkg/domain/interfaces"
	"github.com/secmon-lab/herald/pkg/domain/model"
	"github.com/secmon-lab/herald/pkg/domain/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// scheduledMessageDoc is the Firestore document representation of model.ScheduledMessage
type scheduledMessageDoc struct {
	ID           string    `firestore:"ID"`
	WorkspaceID  string    `firestore:"WorkspaceID"`
	Channel      string    `firestore:"Channel"`
	Body         string    `firestore:"Body"`
	SendAt       time.Time `firestore:"SendAt"`
	Status       string    `firestore:"Status"`
	ExternalRef  string    `firestore:"ExternalRef"`
	LastError    string    `firestore:"LastError"`
	OnBehalfOf   string    `firestore:"OnBehalfOf"`
	CreatedBy    string    `firestore:"CreatedBy"`
	RetryCount   int       `firestore:"RetryCount"`
	SentAt       time.Time `firestore:"SentAt"`
	ClaimToken   string    `firestore:"ClaimToken"`
	ClaimedUntil time.Time `firestore:"ClaimedUntil"`
	CreatedAt    time.Time `firestore:"CreatedAt"`
	UpdatedAt    time.Time `firestore:"UpdatedAt"`
}

func toScheduledMessageDoc(m *model.ScheduledMessage) *scheduledMessageDoc {
	return &scheduledMessageDoc{
		ID:           string(m.ID),
		WorkspaceID:  m.WorkspaceID,
		Channel:      m.Channel,
		Body:         m.Body,
		SendAt:       m.SendAt,
		Status:       string(m.Status),
		ExternalRef:  m.ExternalRef,
		LastError:    m.LastError,
		OnBehalfOf:   m.OnBehalfOf,
		CreatedBy:    m.CreatedBy,
		RetryCount:   m.RetryCount,
		SentAt:       m.SentAt,
		ClaimToken:   m.ClaimToken,
		ClaimedUntil: m.ClaimedUntil,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func fromScheduledMessageDoc(d *scheduledMessageDoc) *model.ScheduledMessage {
	return &model.ScheduledMessage{
		ID:           model.ScheduledMessageID(d.ID),
		WorkspaceID:  d.WorkspaceID,
		Channel:      d.Channel,
		Body:         d.Body,
		SendAt:       d.SendAt,
		Status:       types.MessageStatus(d.Status),
		ExternalRef:  d.ExternalRef,
		LastError:    d.LastError,
		OnBehalfOf:   d.OnBehalfOf,
		CreatedBy:    d.CreatedBy,
		RetryCount:   d.RetryCount,
		SentAt:       d.SentAt,
		ClaimToken:   d.ClaimToken,
		ClaimedUntil: d.ClaimedUntil,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func docToScheduledMessage(doc *firestore.DocumentSnapshot) (*model.ScheduledMessage, error) {
	var d scheduledMessageDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, goerr.Wrap(err, "failed to decode scheduled message", goerr.V("doc_id", doc.Ref.ID))
	}
	return fromScheduledMessageDoc(&d), nil
}

type scheduledMessageRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

func newScheduledMessageRepository(client *firestore.Client) *scheduledMessageRepository {
	return &scheduledMessageRepository{
		client: client,
	}
}

func (r *scheduledMessageRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(CollectionName(r.collectionPrefix, CollectionScheduledMessages))
}

func (r *scheduledMessageRepository) Create(ctx context.Context, msg *model.ScheduledMessage) error {
	docRef := r.collection().Doc(string(msg.ID))
	if _, err := docRef.Create(ctx, toScheduledMessageDoc(msg)); err != nil {
		return goerr.Wrap(err, "failed to create scheduled message", goerr.V(model.MessageIDKey, msg.ID))
	}
	return nil
}

func (r *scheduledMessageRepository) Get(ctx context.Context, id model.ScheduledMessageID) (*model.ScheduledMessage, error) {
	doc, err := r.collection().Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrNotFound, "scheduled message not found", goerr.V(model.MessageIDKey, id))
		}
		return nil, goerr.Wrap(err, "failed to get scheduled message", goerr.V(model.MessageIDKey, id))
	}
	return docToScheduledMessage(doc)
}

func (r *scheduledMessageRepository) List(ctx context.Context, workspaceID string, st *types.MessageStatus) ([]*model.ScheduledMessage, error) {
	q := r.collection().Where("WorkspaceID", "==", workspaceID)
	if st != nil {
		q = q.Where("Status", "==", string(*st))
	}
	return r.query(ctx, q.OrderBy("SendAt", firestore.Asc))
}

func (r *scheduledMessageRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.ScheduledMessage, error) {
	q := r.collection().
		Where("Status", "==", string(types.MessageStatusPending)).
		Where("SendAt", "<=", now).
		OrderBy("SendAt", firestore.Asc)

	// Claim expiry cannot be part of the query, so live claims are skipped
	// while reading and the limit counts only the messages returned.
	return r.scan(ctx, q, limit, func(msg *model.ScheduledMessage) bool {
		return !msg.IsClaimed(now)
	})
}

func (r *scheduledMessageRepository) query(ctx context.Context, q firestore.Query) ([]*model.ScheduledMessage, error) {
	return r.scan(ctx, q, 0, nil)
}

// scan reads q until limit messages passing keep are collected. A zero
// limit reads everything and a nil keep accepts every message.
func (r *scheduledMessageRepository) scan(ctx context.Context, q firestore.Query, limit int, keep func(*model.ScheduledMessage) bool) ([]*model.ScheduledMessage, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	result := make([]*model.ScheduledMessage, 0)
	for limit <= 0 || len(result) < limit {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate scheduled messages")
		}

		msg, err := docToScheduledMessage(doc)
		if err != nil {
			return nil, err
		}
		if keep != nil && !keep(msg) {
			continue
		}
		result = append(result, msg)
	}
	return result, nil
}

func (r *scheduledMessageRepository) Update(ctx context.Context, id model.ScheduledMessageID, fn interfaces.MessageMutator) (*model.ScheduledMessage, error) {
	docRef := r.collection().Doc(string(id))

	var updated *model.ScheduledMessage
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(docRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(ErrNotFound, "scheduled message not found", goerr.V(model.MessageIDKey, id))
			}
			return goerr.Wrap(err, "failed to get scheduled message", goerr.V(model.MessageIDKey, id))
		}

		existing, err := docToScheduledMessage(doc)
		if err != nil {
			return err
		}

		msg := existing.Clone()
		if err := fn(msg); err != nil {
			return err
		}
		if err := msg.Validate(); err != nil {
			return goerr.Wrap(err, "refusing to store invalid message")
		}
		msg.ID = existing.ID
		msg.CreatedAt = existing.CreatedAt
		msg.UpdatedAt = time.Now().UTC()

		updated = msg
		return tx.Set(docRef, toScheduledMessageDoc(msg))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *scheduledMessageRepository) Delete(ctx context.Context, id model.ScheduledMessageID) error {
	docRef := r.collection().Doc(string(id))
	if _, err := docRef.Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(ErrNotFound, "scheduled message not found", goerr.V(model.MessageIDKey, id))
		}
		return goerr.Wrap(err, "failed to delete scheduled message", goerr.V(model.MessageIDKey, id))
	}
	return nil
}
