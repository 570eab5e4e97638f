package db

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// RosterCollection stores the registered fleet and hospital network. Live
// status is owned by the in-memory store; these documents seed it on start.
type RosterCollection interface {
	LoadAmbulances(ctx context.Context) ([]models.Ambulance, error)
	LoadHospitals(ctx context.Context) ([]models.Hospital, error)
	SaveAmbulance(ctx context.Context, a models.Ambulance) error
	SaveHospital(ctx context.Context, h models.Hospital) error
}

// MongoRoster implements RosterCollection for MongoDB
type MongoRoster struct {
	Ambulances *mongo.Collection
	Hospitals  *mongo.Collection
}

// NewMongoRoster uses the default collection names in database.
func NewMongoRoster(database *mongo.Database) *MongoRoster {
	return &MongoRoster{
		Ambulances: database.Collection(CollectionAmbulances),
		Hospitals:  database.Collection(CollectionHospitals),
	}
}

// LoadAmbulances returns every registered ambulance
func (r *MongoRoster) LoadAmbulances(ctx context.Context) ([]models.Ambulance, error) {
	if r.Ambulances == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	cursor, err := r.Ambulances.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.Ambulance
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadHospitals returns every registered hospital
func (r *MongoRoster) LoadHospitals(ctx context.Context) ([]models.Hospital, error) {
	if r.Hospitals == nil {
		return nil, fmt.Errorf("mongo collection is nil")
	}
	cursor, err := r.Hospitals.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []models.Hospital
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveAmbulance upserts the registration of an ambulance
func (r *MongoRoster) SaveAmbulance(ctx context.Context, a models.Ambulance) error {
	if r.Ambulances == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := r.Ambulances.ReplaceOne(ctx, bson.M{"_id": a.ID}, a, options.Replace().SetUpsert(true))
	return err
}

// SaveHospital upserts the registration of a hospital
func (r *MongoRoster) SaveHospital(ctx context.Context, h models.Hospital) error {
	if r.Hospitals == nil {
		return fmt.Errorf("mongo collection is nil")
	}
	_, err := r.Hospitals.ReplaceOne(ctx, bson.M{"_id": h.ID}, h, options.Replace().SetUpsert(true))
	return err
}
