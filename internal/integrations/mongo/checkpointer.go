package mongo

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/turbolytics/radar-etl/pkg/pipeline"
)

const (
	DefaultDatabase   = "radar"
	DefaultCollection = "checkpoints"
)

// Checkpointer stores one document per dataset, keyed by dataset name. The
// database comes from the URI path and the collection from its "collection"
// query parameter.
type Checkpointer struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

func NewCheckpointer(ctx context.Context, uri *url.URL, logger *zap.Logger) (*Checkpointer, error) {
	database := strings.TrimPrefix(uri.Path, "/")
	if database == "" {
		database = DefaultDatabase
	}

	query := uri.Query()
	collection := query.Get("collection")
	if collection == "" {
		collection = DefaultCollection
	}
	query.Del("collection")

	clean := *uri
	clean.RawQuery = query.Encode()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(clean.String()))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	logger.Debug("mongo checkpointer ready",
		zap.String("database", database),
		zap.String("collection", collection),
	)

	return &Checkpointer{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger,
	}, nil
}

func (c *Checkpointer) Load(ctx context.Context, dataset string) (*pipeline.Checkpoint, error) {
	var cp pipeline.Checkpoint
	err := c.collection.FindOne(ctx, bson.M{"_id": dataset}).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.WindowEnd = cp.WindowEnd.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}

func (c *Checkpointer) Save(ctx context.Context, cp *pipeline.Checkpoint) error {
	_, err := c.collection.ReplaceOne(ctx,
		bson.M{"_id": cp.Dataset},
		cp,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return err
	}

	c.logger.Debug("Checkpoint saved",
		zap.String("dataset", cp.Dataset),
		zap.Time("window_end", cp.WindowEnd),
	)
	return nil
}

func (c *Checkpointer) Delete(ctx context.Context, dataset string) error {
	_, err := c.collection.DeleteOne(ctx, bson.M{"_id": dataset})
	return err
}

func (c *Checkpointer) List(ctx context.Context) ([]*pipeline.Checkpoint, error) {
	cursor, err := c.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*pipeline.Checkpoint
	for cursor.Next(ctx) {
		var cp pipeline.Checkpoint
		if err := cursor.Decode(&cp); err != nil {
			return nil, err
		}
		cp.WindowEnd = cp.WindowEnd.UTC()
		cp.UpdatedAt = cp.UpdatedAt.UTC()
		out = append(out, &cp)
	}
	return out, cursor.Err()
}

func (c *Checkpointer) Close() error {
	return c.client.Disconnect(context.Background())
}
