package raijin

// DatabaseStatistics is a point-in-time snapshot of database-wide counters.
type DatabaseStatistics struct {
	LastDocEtag          uint64 `json:"last_doc_etag"`
	CountOfDocuments     int64  `json:"count_of_documents"`
	CountOfTombstones    int64  `json:"count_of_tombstones"`
	CountOfSubscriptions int64  `json:"count_of_subscriptions"`

	DatabaseChangeVector string `json:"database_change_vector,omitempty"`
	DatabaseID           string `json:"database_id,omitempty"`
	Is64Bit              bool   `json:"is_64_bit"`
}
