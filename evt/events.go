package evt

import (
	"github.com/asaskevich/EventBus"
)

const (
	// CachingResultCacheHit fires, if a query result was found in the message cache. Parameter: domain name
	CachingResultCacheHit = "caching:cacheHit"

	// CachingResultCacheMiss fires, if a query result was not found in the message cache. Parameter: domain name
	CachingResultCacheMiss = "caching:cacheMiss"

	// CachingResultCacheChanged fires, if the message cache content was changed. Parameter: new cache size
	CachingResultCacheChanged = "caching:resultCacheChanged"

	// MeshDuplicateSuppressed fires, if a query attached to an in-flight mesh entry. Parameter: query string
	MeshDuplicateSuppressed = "mesh:duplicateSuppressed"

	// IteratorServerFailed fires, if a name server was marked failed. Parameters: zone, server address
	IteratorServerFailed = "iterator:serverFailed"

	// IteratorReferralFollowed fires on descend to a child zone. Parameter: child zone
	IteratorReferralFollowed = "iterator:referralFollowed"

	// ValidationResultObtained fires after DNSSEC validation. Parameters: domain name, status string
	ValidationResultObtained = "validation:resultObtained"
)

//nolint:gochecknoglobals
var evtBus = EventBus.New()

// Bus returns the global event bus
func Bus() EventBus.Bus {
	return evtBus
}
