package cache

const keyPrefix = "herald:"

// ScheduleKey holds one JSON-encoded scheduled entry.
func ScheduleKey(id string) string { return keyPrefix + "schedule:" + id }

// ScheduleIndexKey is the sorted set of schedule IDs scored by fire time in
// unix milliseconds.
const ScheduleIndexKey = keyPrefix + "schedule:due"

// PresenceKey is the hash of connectionID -> nodeID for one user.
func PresenceKey(userID string) string { return keyPrefix + "presence:" + userID }
