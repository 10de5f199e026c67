// Package pets manages the per-user pet collection stored as one JSON
// document at users/<key>/pets.json.
package pets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"pawlenx/api/internal/docstore"
	"pawlenx/api/internal/util"
)

var (
	ErrValidation = errors.New("invalid pet")
	ErrNotFound   = errors.New("pet not found")
)

var petTypes = []string{"Dog", "Cat", "Bird", "Fish", "Rabbit", "Other"}

const maxAge = 100

type Record struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Breed   string    `json:"breed"`
	Age     int       `json:"age"`
	Type    string    `json:"type"`
	Weight  *float64  `json:"weight,omitempty"`
	Photo   string    `json:"photo,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// Collection is the stored document. Pets are kept newest first.
type Collection struct {
	Pets []Record `json:"pets"`
}

// Fields carries the values for Add. Photo is a remote path produced by the
// ingestion pipeline.
type Fields struct {
	Name   string
	Breed  string
	Age    int
	Type   string
	Weight *float64
	Photo  string
}

// Patch carries the values for Update. Nil fields are left unchanged.
type Patch struct {
	Name   *string
	Breed  *string
	Age    *int
	Type   *string
	Weight *float64
	Photo  *string
}

func CollectionPath(key string) string {
	return "users/" + key + "/pets.json"
}

// PhotoPath is the remote location of a pet photo.
func PhotoPath(key, file string) string {
	return "users/" + key + "/photos/" + file
}

type Registry struct {
	docs   docstore.Store
	policy docstore.RetryPolicy
	logger *slog.Logger
	now    func() time.Time
	newID  func(time.Time) string
}

func NewRegistry(docs docstore.Store, policy docstore.RetryPolicy, logger *slog.Logger) *Registry {
	return &Registry{docs: docs, policy: policy, logger: logger, now: time.Now, newID: util.NewTimestampID}
}

// Init writes an empty collection if none exists yet.
func (r *Registry) Init(ctx context.Context, key string) error {
	_, err := docstore.WriteJSON(ctx, r.docs, CollectionPath(key), Collection{Pets: []Record{}}, "", "Initialize pets for "+key)
	if errors.Is(err, docstore.ErrConflict) {
		return nil
	}
	return err
}

// List returns the collection newest first. A missing document is an empty
// collection.
func (r *Registry) List(ctx context.Context, key string) ([]Record, error) {
	var c Collection
	if _, err := docstore.ReadJSON(ctx, r.docs, CollectionPath(key), &c); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("load pets: %w", err)
	}
	if c.Pets == nil {
		c.Pets = []Record{}
	}
	return c.Pets, nil
}

// Get returns one pet or ErrNotFound.
func (r *Registry) Get(ctx context.Context, key, id string) (Record, error) {
	records, err := r.List(ctx, key)
	if err != nil {
		return Record{}, err
	}
	idx := indexOf(records, id)
	if idx < 0 {
		return Record{}, ErrNotFound
	}
	return records[idx], nil
}

func (r *Registry) Add(ctx context.Context, key string, fields Fields) (Record, error) {
	petType, err := validate(fields.Name, fields.Type, fields.Age, fields.Weight)
	if err != nil {
		return Record{}, err
	}
	now := r.now()
	record := Record{
		ID:      r.newID(now),
		Name:    strings.TrimSpace(fields.Name),
		Breed:   strings.TrimSpace(fields.Breed),
		Age:     fields.Age,
		Type:    petType,
		Weight:  fields.Weight,
		Photo:   fields.Photo,
		AddedAt: now.UTC(),
	}
	var added Record
	_, err = docstore.Update(ctx, r.docs, CollectionPath(key), func(c *Collection, _ bool) error {
		added = record
		added.ID = unusedID(c.Pets, record.ID)
		c.Pets = append([]Record{added}, c.Pets...)
		return nil
	}, "Add pet "+record.ID, r.policy)
	if err != nil {
		return Record{}, fmt.Errorf("add pet: %w", err)
	}
	r.logger.Info("pet added", "collection_key", key, "pet_id", added.ID)
	return added, nil
}

// unusedID moves id forward past any id already in the collection. Another
// process can mint the same millisecond id.
func unusedID(records []Record, id string) string {
	for indexOf(records, id) >= 0 {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return id + "-" + util.NewID("")[:8]
		}
		id = strconv.FormatInt(n+1, 10)
	}
	return id
}

func (r *Registry) Update(ctx context.Context, key, id string, patch Patch) (Record, error) {
	var updated Record
	_, err := docstore.Update(ctx, r.docs, CollectionPath(key), func(c *Collection, exists bool) error {
		if !exists {
			return ErrNotFound
		}
		idx := indexOf(c.Pets, id)
		if idx < 0 {
			return ErrNotFound
		}
		next, err := apply(c.Pets[idx], patch)
		if err != nil {
			return err
		}
		c.Pets[idx] = next
		updated = next
		return nil
	}, "Update pet "+id, r.policy)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("update pet: %w", err)
	}
	return updated, nil
}

func (r *Registry) Remove(ctx context.Context, key, id string) error {
	_, err := docstore.Update(ctx, r.docs, CollectionPath(key), func(c *Collection, exists bool) error {
		if !exists {
			return ErrNotFound
		}
		idx := indexOf(c.Pets, id)
		if idx < 0 {
			return ErrNotFound
		}
		c.Pets = append(c.Pets[:idx], c.Pets[idx+1:]...)
		return nil
	}, "Remove pet "+id, r.policy)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("remove pet: %w", err)
	}
	r.logger.Info("pet removed", "collection_key", key, "pet_id", id)
	return nil
}

func apply(rec Record, patch Patch) (Record, error) {
	if patch.Name != nil {
		rec.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Breed != nil {
		rec.Breed = strings.TrimSpace(*patch.Breed)
	}
	if patch.Age != nil {
		rec.Age = *patch.Age
	}
	if patch.Type != nil {
		rec.Type = *patch.Type
	}
	if patch.Weight != nil {
		w := *patch.Weight
		rec.Weight = &w
	}
	if patch.Photo != nil {
		rec.Photo = *patch.Photo
	}
	petType, err := validate(rec.Name, rec.Type, rec.Age, rec.Weight)
	if err != nil {
		return Record{}, err
	}
	rec.Type = petType
	return rec, nil
}

// validate checks the fields and returns the canonical pet type.
func validate(name, petType string, age int, weight *float64) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: name is required", ErrValidation)
	}
	if age < 0 || age > maxAge {
		return "", fmt.Errorf("%w: age must be between 0 and %d", ErrValidation, maxAge)
	}
	if weight != nil && *weight <= 0 {
		return "", fmt.Errorf("%w: weight must be positive", ErrValidation)
	}
	canonical, ok := CanonicalType(petType)
	if !ok {
		return "", fmt.Errorf("%w: type must be one of %s", ErrValidation, strings.Join(petTypes, ", "))
	}
	return canonical, nil
}

// CanonicalType matches t case-insensitively against the known pet types.
// A blank type is Other.
func CanonicalType(t string) (string, bool) {
	t = strings.TrimSpace(t)
	if t == "" {
		return "Other", true
	}
	for _, known := range petTypes {
		if strings.EqualFold(t, known) {
			return known, true
		}
	}
	return "", false
}

func indexOf(records []Record, id string) int {
	for i, rec := range records {
		if rec.ID == id {
			return i
		}
	}
	return -1
}
