package redisstream

import "github.com/google/uuid"

// Identity is the (group, consumer) tuple a StreamSource reads under.
// SPEC_FULL.md §3 invariant: exactly one live process may read under a
// given Identity at a time.
type Identity struct {
	Group    string
	Consumer string
}

// resolveConsumerID returns configured if non-empty, otherwise a fresh id
// unique to this process start. A stable configured id lets Phase A resume
// this process's own PEL across restarts; an auto-generated id orphans the
// previous PEL, which reclaim must pick up instead (SPEC_FULL.md §4.4).
func resolveConsumerID(configured string) string {
	if configured != "" {
		return configured
	}
	return "consumer-" + uuid.New().String()[:8]
}
