package presence

import (
	"sort"
	"time"
)

// DefaultStalenessThreshold is how long a record stays active after its last heartbeat.
const DefaultStalenessThreshold = 2 * time.Minute

// IsActive reports whether record was refreshed strictly within threshold of now.
func IsActive(record LivenessRecord, now time.Time, threshold time.Duration) bool {
	cutoff := now.Add(-threshold).UnixMilli()
	return record.LastActiveAtMillis > cutoff
}

// FilterActive keeps active records and orders them by insertion.
func FilterActive(records []LivenessRecord, now time.Time, threshold time.Duration) []LivenessRecord {
	active := make([]LivenessRecord, 0, len(records))
	for _, record := range records {
		if IsActive(record, now, threshold) {
			active = append(active, record)
		}
	}
	SortByInsertion(active)
	return active
}

// SortByInsertion orders records by creation time, then record id.
func SortByInsertion(records []LivenessRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAtMillis != records[j].CreatedAtMillis {
			return records[i].CreatedAtMillis < records[j].CreatedAtMillis
		}
		return records[i].RecordID < records[j].RecordID
	})
}
