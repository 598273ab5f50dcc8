package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/patrickmn/go-cache"
)

// TabMedium is per-tab session storage. It is never shared and never
// persisted.
type TabMedium struct {
	items *cache.Cache
}

func NewTabMedium() *TabMedium {
	return &TabMedium{items: cache.New(cache.NoExpiration, 0)}
}

func (m *TabMedium) Get(_ context.Context, key string) (string, bool, error) {
	raw, ok := m.items.Get(key)
	if !ok {
		return "", false, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", false, fmt.Errorf("session_storage[%s]: unexpected %T", key, raw)
	}
	return value, true, nil
}

func (m *TabMedium) Set(_ context.Context, key string, value string) error {
	m.items.Set(key, value, cache.NoExpiration)
	return nil
}

func (m *TabMedium) Remove(_ context.Context, key string) error {
	m.items.Delete(key)
	return nil
}

func (m *TabMedium) Keys(_ context.Context) ([]string, error) {
	items := m.items.Items()
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *TabMedium) Clear(_ context.Context) error {
	m.items.Flush()
	return nil
}
