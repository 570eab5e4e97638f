package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// MemoryOperatorCollection keeps operator accounts in process. It backs
// development runs without MongoDB.
type MemoryOperatorCollection struct {
	mu  sync.RWMutex
	ops map[primitive.ObjectID]models.Operator
}

// NewMemoryOperatorCollection returns an empty collection.
func NewMemoryOperatorCollection() *MemoryOperatorCollection {
	return &MemoryOperatorCollection{ops: make(map[primitive.ObjectID]models.Operator)}
}

// InsertOperator adds an account. Usernames are unique.
func (c *MemoryOperatorCollection) InsertOperator(_ context.Context, op models.Operator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.ops {
		if existing.Username == op.Username {
			return fmt.Errorf("operator %s already exists", op.Username)
		}
	}
	if op.ID.IsZero() {
		op.ID = primitive.NewObjectID()
	}
	now := time.Now()
	op.CreatedAt = now
	op.UpdatedAt = now
	op.IsActive = true
	c.ops[op.ID] = op
	return nil
}

func (c *MemoryOperatorCollection) find(id string) (models.Operator, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return models.Operator{}, fmt.Errorf("invalid operator ID: %w", err)
	}
	op, ok := c.ops[objectID]
	if !ok {
		return models.Operator{}, fmt.Errorf("operator %s: %w", id, ErrNotFound)
	}
	return op, nil
}

// FindOperatorByID finds an operator by id
func (c *MemoryOperatorCollection) FindOperatorByID(_ context.Context, id string) (*models.Operator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, err := c.find(id)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// FindOperatorByUsername finds an operator by username
func (c *MemoryOperatorCollection) FindOperatorByUsername(_ context.Context, username string) (*models.Operator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, op := range c.ops {
		if op.Username == username {
			op := op
			return &op, nil
		}
	}
	return nil, fmt.Errorf("operator %s: %w", username, ErrNotFound)
}

// ListOperators returns every operator ordered by username
func (c *MemoryOperatorCollection) ListOperators(_ context.Context) ([]models.Operator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Operator, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// UpdateOperator replaces an account
func (c *MemoryOperatorCollection) UpdateOperator(_ context.Context, id string, op models.Operator) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, err := c.find(id)
	if err != nil {
		return err
	}
	op.ID = cur.ID
	op.CreatedAt = cur.CreatedAt
	op.UpdatedAt = time.Now()
	c.ops[cur.ID] = op
	return nil
}

// UpdateLastLogin records a successful login
func (c *MemoryOperatorCollection) UpdateLastLogin(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, err := c.find(id)
	if err != nil {
		return err
	}
	now := time.Now()
	op.LastLogin = &now
	c.ops[op.ID] = op
	return nil
}

// CountOperators returns the number of accounts
func (c *MemoryOperatorCollection) CountOperators(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.ops)), nil
}
