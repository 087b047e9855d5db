package models

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// ETag identifies a specific version of a mutable resource. Stores use it
// for optimistic concurrency control on updates.
type ETag string

const ETagAny ETag = ""

// ETagFromData derives an ETag by hashing the resource's data fields.
func ETagFromData(data interface{}) ETag {
	hash, err := hashstructure.Hash(data, hashstructure.FormatV2, nil)
	if err != nil {
		// Only unhashable types can fail, which is a programming error.
		panic(fmt.Sprintf("error hashing data for etag: %v", err))
	}
	return ETag(fmt.Sprintf("%x", hash))
}
