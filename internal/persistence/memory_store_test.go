package persistence

import "testing"

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewInMemoryStore()
	})
}
