package api

import "strings"

// EntityID addresses one entity actor: Name selects the entity type and Key
// the instance of it.
type EntityID struct {
	Name string
	Key  string
}

func (id EntityID) String() string {
	return "@" + strings.ToLower(id.Name) + "@" + id.Key
}
