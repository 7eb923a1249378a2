package core

import (
	"fmt"
	"sync"
)

var (
	identifierMutex sync.Mutex
	owners          []interface{}
)

// IdentifierAcquireNewID hands out the lowest free slot for the given owner.
func IdentifierAcquireNewID(owner interface{}) uint32 {
	identifierMutex.Lock()
	defer identifierMutex.Unlock()

	if len(owners) == 0 {
		owners = make([]interface{}, 0, 100)
	}
	for i := range owners {
		// Existing free spot. Take it.
		if owners[i] == nil {
			owners[i] = owner
			return uint32(i)
		}
	}

	// No free slots, the new id is the old length.
	owners = append(owners, owner)
	return uint32(len(owners) - 1)
}

func IdentifierReleaseID(id uint32) error {
	identifierMutex.Lock()
	defer identifierMutex.Unlock()

	if len(owners) == 0 {
		return fmt.Errorf("identifier_release_id called before any identifier was acquired")
	}
	if id >= uint32(len(owners)) {
		return fmt.Errorf("identifier_release_id: id '%d' out of range (max=%d)", id, len(owners))
	}

	owners[id] = nil
	return nil
}

// IdentifierOwner returns the owner registered for id, or nil.
func IdentifierOwner(id uint32) interface{} {
	identifierMutex.Lock()
	defer identifierMutex.Unlock()

	if id >= uint32(len(owners)) {
		return nil
	}
	return owners[id]
}
