package storage

import "context"

// Medium is a string key/value store with the semantics of browser web
// storage. The local medium is shared by every tab of a profile; the tab
// medium lives and dies with one tab.
type Medium interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}
