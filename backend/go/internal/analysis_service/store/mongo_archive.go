package store

import (
	"context"
	"fmt"

	"mahjong_analysis/backend/go/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTaskArchive stores one document per task, keyed by task id.
type MongoTaskArchive struct {
	collection *mongo.Collection
}

// NewMongoTaskArchive creates a MongoTaskArchive on the given collection.
func NewMongoTaskArchive(collection *mongo.Collection) *MongoTaskArchive {
	return &MongoTaskArchive{collection: collection}
}

// EnsureIndexes creates the created_at index used by LoadAll.
func (s *MongoTaskArchive) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: 1}},
	})
	return err
}

// Save upserts the task document.
func (s *MongoTaskArchive) Save(ctx context.Context, task models.AnalysisTask) error {
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": task.ID}, task, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive task %s: %w", task.ID, err)
	}
	return nil
}

// LoadAll returns all archived tasks sorted by creation time.
func (s *MongoTaskArchive) LoadAll(ctx context.Context) ([]models.AnalysisTask, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var tasks []models.AnalysisTask
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}
