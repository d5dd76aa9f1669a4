package redis

import "tilecast/internal/core/domain"

const (
	keyPrefix        = "tilecast:"
	schemaVersionKey = keyPrefix + "schema:version"
	presenceIndexKey = keyPrefix + "presenters"
	presenceKeyBase  = keyPrefix + "presence:"
)

func presenceKey(id domain.ClientID) string {
	return presenceKeyBase + string(id)
}
