package redisx

import (
	"fmt"
	"time"
)

const (
	// Document hash: {prefix}:doc:{document path} -> field -> JSON value
	KeyDoc = "%s:doc:%s"

	// Collection index: set {prefix}:idx:{collection path} -> document ids
	KeyIndex = "%s:idx:%s"

	// Change channel: {prefix}:chg:{collection path}, payload = document id
	KeyChanges = "%s:chg:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var TTLDedup = 48 * time.Hour

func DocKey(prefix, docPath string) string {
	return fmt.Sprintf(KeyDoc, prefix, docPath)
}

func IndexKey(prefix, collection string) string {
	return fmt.Sprintf(KeyIndex, prefix, collection)
}

func ChangesChannel(prefix, collection string) string {
	return fmt.Sprintf(KeyChanges, prefix, collection)
}

func DedupKey(service, eventID string) string {
	return fmt.Sprintf(KeyDedup, service, eventID)
}
