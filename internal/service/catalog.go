package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"inkslot/internal/models"

	"github.com/rs/zerolog"
)

// CatalogService serves the service items loaded from the catalog file.
type CatalogService struct {
	logger   *zerolog.Logger
	items    []models.ServiceItem
	itemsMap map[string]models.ServiceItem
	mu       sync.RWMutex
}

func NewCatalogService(items []models.ServiceItem, logger *zerolog.Logger) *CatalogService {
	s := &CatalogService{logger: logger}
	s.Replace(items)
	return s
}

// Replace swaps the catalog contents; inactive items are dropped.
func (s *CatalogService) Replace(items []models.ServiceItem) {
	active := make([]models.ServiceItem, 0, len(items))
	itemsMap := make(map[string]models.ServiceItem, len(items))
	for _, item := range items {
		if !item.IsActive {
			continue
		}
		if item.Currency == "" {
			item.Currency = models.DefaultCurrency
		}
		item.Currency = strings.ToLower(item.Currency)
		active = append(active, item)
		itemsMap[item.ID] = item
	}

	s.mu.Lock()
	s.items = active
	s.itemsMap = itemsMap
	s.mu.Unlock()

	s.logger.Info().Int("items", len(active)).Msg("catalog loaded")
}

func (s *CatalogService) Items(ctx context.Context) []models.ServiceItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ServiceItem(nil), s.items...)
}

func (s *CatalogService) Item(ctx context.Context, id string) (*models.ServiceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.itemsMap[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return &item, nil
}
