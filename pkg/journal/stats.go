package journal

import "github.com/eunmann/s3-journal/pkg/durable"

// Stats is a point-in-time snapshot of journal progress. The gap between
// Enqueued and Uploaded is the user-visible backlog signal.
type Stats struct {
	Enqueued uint64        `json:"enqueued"`
	Uploaded uint64        `json:"uploaded"`
	Queue    durable.Stats `json:"queue"`
}

func mergeQueueStats(a, b durable.Stats) durable.Stats {
	return durable.Stats{
		InProgress:     a.InProgress + b.InProgress,
		Completed:      a.Completed + b.Completed,
		Retried:        a.Retried + b.Retried,
		Enqueued:       a.Enqueued + b.Enqueued,
		NumSlabs:       a.NumSlabs + b.NumSlabs,
		NumActiveSlabs: a.NumActiveSlabs + b.NumActiveSlabs,
	}
}
