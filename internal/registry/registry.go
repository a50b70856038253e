// Package registry implements time-boxed registries: lists that accept items
// until their owner closes them or a timeout expires, plus a global counter
// of registries opened and items added.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/registrar/internal/entity"
	"github.com/petrijr/registrar/pkg/api"
)

const (
	OrchestrationName = "RegistryOrchestration"
	NewListActivity   = "NewList"
	CloseSignal       = "Close"

	ListEntity  = "RegistryList"
	StatsEntity = "RegistryStats"

	OpInitialize  = "Initialize"
	OpAddItem     = "AddItem"
	OpNewRegistry = "NewRegistry"
	OpNewItem     = "NewItem"

	// DefaultTimeout is how long a registry stays open without being closed.
	DefaultTimeout = 5 * time.Minute
)

var (
	// ErrIDRequired is returned when a registry id is blank.
	ErrIDRequired = errors.New("registry id is required")

	// ErrNotFound is returned for ids that were never opened.
	ErrNotFound = fmt.Errorf("registry %w", api.ErrNotFound)

	// ErrNotActive is returned when a closed registry is modified.
	ErrNotActive = fmt.Errorf("registry is not active: %w", api.ErrInvalidState)
)

// StatsID addresses the single statistics entity.
var StatsID = api.EntityID{Name: StatsEntity}

// ListID addresses the list entity of a registry.
func ListID(id string) api.EntityID {
	return api.EntityID{Name: ListEntity, Key: id}
}

// List is the content of one registry.
type List struct {
	ID    string   `json:"id"`
	Items []string `json:"items"`
}

// Stats counts registries and items across all registries.
type Stats struct {
	RegistryCount int `json:"registryCount"`
	ItemsCount    int `json:"itemsCount"`
}

func listDefinition() entity.Definition[List] {
	return entity.Definition[List]{
		Name: ListEntity,
		Operations: map[string]entity.Operation[List]{
			OpInitialize: func(ctx context.Context, l *List, in entity.Input) error {
				var id string
				if err := in.Decode(&id); err != nil {
					return err
				}
				// The id is assigned once.
				if l.ID == "" {
					l.ID = id
				}
				if l.Items == nil {
					l.Items = []string{}
				}
				return nil
			},
			OpAddItem: func(ctx context.Context, l *List, in entity.Input) error {
				var item string
				if err := in.Decode(&item); err != nil {
					return err
				}
				l.Items = append(l.Items, item)
				return nil
			},
		},
	}
}

func statsDefinition() entity.Definition[Stats] {
	return entity.Definition[Stats]{
		Name: StatsEntity,
		Operations: map[string]entity.Operation[Stats]{
			OpNewRegistry: func(ctx context.Context, s *Stats, in entity.Input) error {
				s.RegistryCount++
				return nil
			},
			OpNewItem: func(ctx context.Context, s *Stats, in entity.Input) error {
				s.ItemsCount++
				return nil
			},
		},
	}
}

// registerEntities adds the list and stats entities to a host.
func registerEntities(h *entity.Host) error {
	if err := entity.Register(h, listDefinition()); err != nil {
		return err
	}
	return entity.Register(h, statsDefinition())
}
