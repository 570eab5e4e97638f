package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// OperatorCollection defines the interface for operator account storage
type OperatorCollection interface {
	InsertOperator(ctx context.Context, op models.Operator) error
	FindOperatorByID(ctx context.Context, id string) (*models.Operator, error)
	FindOperatorByUsername(ctx context.Context, username string) (*models.Operator, error)
	ListOperators(ctx context.Context) ([]models.Operator, error)
	UpdateOperator(ctx context.Context, id string, op models.Operator) error
	UpdateLastLogin(ctx context.Context, id string) error
	CountOperators(ctx context.Context) (int64, error)
}

// MongoOperatorCollection implements OperatorCollection for MongoDB
type MongoOperatorCollection struct {
	Collection *mongo.Collection
}

// EnsureIndexes creates the unique username index
func (c *MongoOperatorCollection) EnsureIndexes(ctx context.Context) error {
	_, err := c.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// InsertOperator inserts a new operator account
func (c *MongoOperatorCollection) InsertOperator(ctx context.Context, op models.Operator) error {
	if c.Collection == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	now := time.Now()
	if op.ID.IsZero() {
		op.ID = primitive.NewObjectID()
	}
	op.CreatedAt = now
	op.UpdatedAt = now
	op.IsActive = true

	_, err := c.Collection.InsertOne(ctx, op)
	return err
}

// FindOperatorByID finds an operator by id
func (c *MongoOperatorCollection) FindOperatorByID(ctx context.Context, id string) (*models.Operator, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid operator ID: %w", err)
	}

	var op models.Operator
	if err := c.Collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&op); err != nil {
		return nil, notFound(err, "operator "+id)
	}
	return &op, nil
}

// FindOperatorByUsername finds an operator by username
func (c *MongoOperatorCollection) FindOperatorByUsername(ctx context.Context, username string) (*models.Operator, error) {
	var op models.Operator
	if err := c.Collection.FindOne(ctx, bson.M{"username": username}).Decode(&op); err != nil {
		return nil, notFound(err, "operator "+username)
	}
	return &op, nil
}

// ListOperators returns every operator ordered by username
func (c *MongoOperatorCollection) ListOperators(ctx context.Context) ([]models.Operator, error) {
	cursor, err := c.Collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ops []models.Operator
	if err := cursor.All(ctx, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// UpdateOperator replaces an operator document
func (c *MongoOperatorCollection) UpdateOperator(ctx context.Context, id string, op models.Operator) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid operator ID: %w", err)
	}

	op.UpdatedAt = time.Now()
	op.ID = objectID

	result, err := c.Collection.ReplaceOne(ctx, bson.M{"_id": objectID}, op)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("operator %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateLastLogin records a successful login
func (c *MongoOperatorCollection) UpdateLastLogin(ctx context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid operator ID: %w", err)
	}

	now := time.Now()
	_, err = c.Collection.UpdateOne(
		ctx,
		bson.M{"_id": objectID},
		bson.M{"$set": bson.M{"last_login": now, "updated_at": now}},
	)
	return err
}

// CountOperators returns the number of accounts
func (c *MongoOperatorCollection) CountOperators(ctx context.Context) (int64, error) {
	return c.Collection.CountDocuments(ctx, bson.M{})
}
