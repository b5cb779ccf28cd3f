package adapter

import (
	"fmt"
	"sync"

	"cloudledger/internal/model"
)

// Factory builds an Adapter for a cloud account using its stored config.
type Factory func(acc *model.CloudAccount) (Adapter, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register installs a Factory for an account type. Vendor client packages
// call this from their init.
func Register(accountType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[accountType] = f
}

// ForAccount builds the Adapter for the account's type.
func ForAccount(acc *model.CloudAccount) (Adapter, error) {
	mu.RLock()
	f, found := factories[acc.Type]
	mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("adapter: no adapter registered for account type %q", acc.Type)
	}
	return f(acc)
}
