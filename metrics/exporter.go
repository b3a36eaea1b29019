package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Metric family names in the exported line protocol.
const (
	MetricPending    = "balanced_queue_pending_jobs"
	MetricActive     = "balanced_queue_active_jobs"
	MetricProcessed  = "balanced_queue_processed_total"
	MetricPartitions = "balanced_queue_partitions_total"
)

// family pairs a metric name with its metadata and per-queue value.
type family struct {
	name  string
	help  string
	kind  string
	value func(QueueStats) int64
}

// families is emitted in this fixed order so scrapes diff cleanly.
var families = []family{
	{
		name:  MetricPending,
		help:  "Number of jobs waiting across all partitions of the queue.",
		kind:  "gauge",
		value: func(q QueueStats) int64 { return q.Pending },
	},
	{
		name:  MetricActive,
		help:  "Number of reserved jobs currently held by workers.",
		kind:  "gauge",
		value: func(q QueueStats) int64 { return q.Active },
	},
	{
		name:  MetricProcessed,
		help:  "Total jobs popped from the queue since first use.",
		kind:  "counter",
		value: func(q QueueStats) int64 { return q.Processed },
	},
	{
		name:  MetricPartitions,
		help:  "Number of partitions currently holding queued jobs.",
		kind:  "gauge",
		value: func(q QueueStats) int64 { return int64(q.PartitionCount) },
	},
}

// Exporter renders Reader output for scrapers and dashboards.
type Exporter struct {
	reader *Reader
	now    func() time.Time
}

// NewExporter creates an Exporter over the given Reader.
func NewExporter(reader *Reader) *Exporter {
	return &Exporter{reader: reader, now: time.Now}
}

// Export emits the line-protocol body, aggregated per queue. Partition
// labels are deliberately absent: partition cardinality is O(tenants) and
// would blow up a metrics store. Per-partition detail lives in the JSON
// variant.
func (e *Exporter) Export(ctx context.Context) string {
	stats := e.reader.Read(ctx)

	var sb strings.Builder
	for _, fam := range families {
		fmt.Fprintf(&sb, "# HELP %s %s\n", fam.name, fam.help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", fam.name, fam.kind)
		for _, q := range stats {
			fmt.Fprintf(&sb, "%s{queue=\"%s\"} %d\n", fam.name, escapeLabel(q.Queue), fam.value(q))
		}
	}
	return sb.String()
}

// Snapshot is the JSON document served to pull-model dashboards.
type Snapshot struct {
	Timestamp int64        `json:"timestamp"`
	Queues    []QueueStats `json:"queues"`
}

// ExportJSON emits the JSON variant with per-partition detail.
func (e *Exporter) ExportJSON(ctx context.Context) ([]byte, error) {
	snap := Snapshot{
		Timestamp: e.now().Unix(),
		Queues:    e.reader.Read(ctx),
	}
	if snap.Queues == nil {
		snap.Queues = []QueueStats{}
	}
	return json.Marshal(snap)
}

// escapeLabel escapes a label value per the exposition format: backslash,
// double quote, and newline.
func escapeLabel(v string) string {
	var sb strings.Builder
	for _, r := range v {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
