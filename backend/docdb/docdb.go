// Package docdb implements a backend.Backend over MongoDB. A snapshot is
// held as a root document in the "snapshots" collection and one document per
// entity in "snapshot_entities", which are committed together in a single
// multi-document transaction. The pointer and backups are documents of the
// "snapshot_meta" collection.
//
// Transactions require a replica set or sharded cluster. Against a
// standalone server every write fails with a *backend.ConfigurationError.
package docdb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.snapstore.dev/core/backend"
	pb "go.snapstore.dev/core/protocol"
)

const (
	snapshotsCollection = "snapshots"
	entitiesCollection  = "snapshot_entities"
	metaCollection      = "snapshot_meta"

	pointerDocID = "current"
	backupPrefix = "backup:"

	// DefaultDatabase is used when the URL doesn't name a database.
	DefaultDatabase = "snapstore"
)

// Backend is a backend.Backend of MongoDB documents.
type Backend struct {
	client    *mongo.Client
	snapshots *mongo.Collection
	entities  *mongo.Collection
	meta      *mongo.Collection
	now       func() time.Time
}

// New returns a Backend of database |db| of the connected |client|.
func New(client *mongo.Client, db string) *Backend {
	var d = client.Database(db)
	return &Backend{
		client:    client,
		snapshots: d.Collection(snapshotsCollection),
		entities:  d.Collection(entitiesCollection),
		meta:      d.Collection(metaCollection),
		now:       time.Now,
	}
}

// Open connects to the MongoDB deployment of URL |ep|, such as
// mongodb://host:27017/snapstore?replicaSet=rs0, and ensures its indexes.
// The URL path names the database.
func Open(ctx context.Context, ep *url.URL) (backend.Backend, error) {
	var db = strings.Trim(ep.Path, "/")
	if db == "" {
		db = DefaultDatabase
	}

	var opts = options.Client().
		ApplyURI(ep.String()).
		SetConnectTimeout(5 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	if err := opts.Validate(); err != nil {
		return nil, &backend.ConfigurationError{Backend: "mongodb", Message: "invalid connection URL", Err: err}
	}
	var client, err = mongo.Connect(ctx, opts)
	if err != nil {
		return nil, &backend.ConfigurationError{Backend: "mongodb", Message: "connecting", Err: err}
	}

	var pingCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err = client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &backend.UnavailableError{Backend: "mongodb", Op: "ping", Err: err}
	}

	var b = New(client, db)
	if err = b.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.WithFields(log.Fields{
		"hosts":    opts.Hosts,
		"database": db,
	}).Info("connected to MongoDB")

	return b, nil
}

// EnsureIndexes creates the indexes used by Backend queries.
func (b *Backend) EnsureIndexes(ctx context.Context) error {
	if _, err := b.entities.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "snapshotId", Value: 1}, {Key: "ordinal", Value: 1}},
		Options: options.Index().SetName("snapshot_ordinal"),
	}); err != nil {
		return b.mapErr("create_index", err)
	}
	if _, err := b.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "status", Value: 1}, {Key: "_id", Value: -1}},
		Options: options.Index().SetName("status_id"),
	}); err != nil {
		return b.mapErr("create_index", err)
	}
	return nil
}

// Close disconnects the Backend's client.
func (b *Backend) Close(ctx context.Context) error { return b.client.Disconnect(ctx) }

func (b *Backend) Provider() string { return "mongodb" }

// WriteSnapshot replaces the root and entity documents of snapshot |id| in
// one transaction. A |body| which can't be decoded is rejected with a
// *backend.CorruptionError, as it can't be decomposed into documents.
func (b *Backend) WriteSnapshot(ctx context.Context, id string, body []byte) error {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return err
	}
	var root, entities, err = decompose(id, body, b.now())
	if err != nil {
		return &backend.CorruptionError{ID: id, Err: err}
	}

	return b.transact(ctx, "write_snapshot", func(sc mongo.SessionContext) error {
		if _, err := b.entities.DeleteMany(sc, bson.M{"snapshotId": id}); err != nil {
			return err
		}
		if len(entities) != 0 {
			if _, err := b.entities.InsertMany(sc, entities); err != nil {
				return err
			}
		}
		_, err := b.snapshots.ReplaceOne(sc, bson.M{"_id": id}, root, options.Replace().SetUpsert(true))
		return err
	})
}

func (b *Backend) ReadSnapshot(ctx context.Context, id string) ([]byte, error) {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return nil, err
	}

	// Read under a snapshot-isolated session, so that the root and its
	// entities are of the same committed write.
	var out []byte
	var err = b.transact(ctx, "read_snapshot", func(sc mongo.SessionContext) error {
		var root rootDoc
		if err := b.snapshots.FindOne(sc, bson.M{"_id": id}).Decode(&root); err != nil {
			return err
		}

		var cur, err = b.entities.Find(sc, bson.M{"snapshotId": id},
			options.Find().SetSort(bson.D{{Key: "ordinal", Value: 1}}))
		if err != nil {
			return err
		}
		var entities []entityDoc
		if err = cur.All(sc, &entities); err != nil {
			return err
		}

		if out, err = compose(root, entities); err != nil {
			return &backend.CorruptionError{ID: id, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) ListSnapshotIDs(ctx context.Context) ([]string, error) {
	var cur, err = b.snapshots.Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, b.mapErr("list_snapshots", err)
	}

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err = cur.All(ctx, &docs); err != nil {
		return nil, b.mapErr("list_snapshots", err)
	}

	var ids = make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (b *Backend) DeleteSnapshot(ctx context.Context, id string) error {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return err
	}
	return b.transact(ctx, "delete_snapshot", func(sc mongo.SessionContext) error {
		var res, err = b.snapshots.DeleteOne(sc, bson.M{"_id": id})
		if err != nil {
			return err
		} else if res.DeletedCount == 0 {
			return backend.ErrNotFound
		}
		_, err = b.entities.DeleteMany(sc, bson.M{"snapshotId": id})
		return err
	})
}

// LatestSuccessfulID returns the greatest ID having status "success".
func (b *Backend) LatestSuccessfulID(ctx context.Context) (string, error) {
	var doc struct {
		ID string `bson:"_id"`
	}
	var err = b.snapshots.FindOne(ctx,
		bson.M{"status": string(pb.StatusSuccess)},
		options.FindOne().
			SetSort(bson.D{{Key: "_id", Value: -1}}).
			SetProjection(bson.M{"_id": 1}),
	).Decode(&doc)

	if err != nil {
		return "", b.mapErr("latest_successful", err)
	}
	return doc.ID, nil
}

func (b *Backend) WritePointer(ctx context.Context, body []byte) error {
	return b.putMeta(ctx, "write_pointer", pointerDocID, body)
}

func (b *Backend) ReadPointer(ctx context.Context) ([]byte, error) {
	var doc metaDoc
	if err := b.meta.FindOne(ctx, bson.M{"_id": pointerDocID}).Decode(&doc); err != nil {
		return nil, b.mapErr("read_pointer", err)
	}
	return []byte(doc.Body), nil
}

func (b *Backend) DeletePointer(ctx context.Context) error {
	var res, err = b.meta.DeleteOne(ctx, bson.M{"_id": pointerDocID})
	if err != nil {
		return b.mapErr("delete_pointer", err)
	} else if res.DeletedCount == 0 {
		return backend.ErrNotFound
	}
	return nil
}

func (b *Backend) WriteBackup(ctx context.Context, name string, body []byte) error {
	if err := pb.ValidateToken(name, 1, 256); err != nil {
		return err
	}
	return b.putMeta(ctx, "write_backup", backupPrefix+name, body)
}

// CheckReady pings the deployment, and inserts and removes a probe document
// within a transaction.
func (b *Backend) CheckReady(ctx context.Context) error {
	if err := b.client.Ping(ctx, nil); err != nil {
		return b.mapErr("ping", err)
	}
	var probe = "ready:" + uuid.NewString()

	return b.transact(ctx, "check_ready", func(sc mongo.SessionContext) error {
		if _, err := b.meta.InsertOne(sc, metaDoc{ID: probe, UpdatedAt: b.now().UTC()}); err != nil {
			return err
		}
		_, err := b.meta.DeleteOne(sc, bson.M{"_id": probe})
		return err
	})
}

func (b *Backend) putMeta(ctx context.Context, op, docID string, body []byte) error {
	var _, err = b.meta.ReplaceOne(ctx,
		bson.M{"_id": docID},
		metaDoc{ID: docID, Body: string(body), UpdatedAt: b.now().UTC()},
		options.Replace().SetUpsert(true),
	)
	return b.mapErr(op, err)
}

// transact runs |fn| within a session transaction, retrying on transient
// transaction errors as the driver does.
func (b *Backend) transact(ctx context.Context, op string, fn func(mongo.SessionContext) error) error {
	var session, err = b.client.StartSession()
	if err != nil {
		return b.mapErr(op, err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return b.mapErr(op, err)
}

// mapErr maps MongoDB errors into the backend error taxonomy.
func (b *Backend) mapErr(op string, err error) error {
	var se mongo.ServerError

	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments), errors.Is(err, backend.ErrNotFound):
		return backend.ErrNotFound
	case backend.IsCorruption(err), errors.Is(err, context.Canceled):
		return err
	case isTransactionUnsupported(err):
		return &backend.ConfigurationError{
			Backend: "mongodb",
			Message: "transactions are unsupported (a replica set or sharded cluster is required)",
			Err:     err,
		}
	case errors.As(err, &se) && (se.HasErrorCode(codeUnauthorized) || se.HasErrorCode(codeAuthenticationFailed)):
		return &backend.ConfigurationError{Backend: "mongodb", Message: "not authorized", Err: err}
	case mongo.IsNetworkError(err),
		mongo.IsTimeout(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, mongo.ErrClientDisconnected):
		return &backend.UnavailableError{Backend: "mongodb", Op: op, Err: err}
	default:
		return fmt.Errorf("mongodb %s: %w", op, err)
	}
}

// Server error codes of MongoDB.
const (
	codeIllegalOperation     = 20
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

func isTransactionUnsupported(err error) bool {
	var se mongo.ServerError
	return errors.As(err, &se) &&
		se.HasErrorCodeWithMessage(codeIllegalOperation, "Transaction numbers")
}

var (
	_ backend.Backend      = (*Backend)(nil)
	_ backend.LatestFinder = (*Backend)(nil)
)
