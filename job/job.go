// Package job defines the typed job surface hosts push through the broker.
//
// The broker itself moves opaque payloads; this package exists for hosts
// that want their job types to carry a partition key explicitly instead of
// relying on field sniffing. A job either implements PartitionKeyer, or is
// wrapped with WithPartition at dispatch time.
package job

// PartitionKeyer is the capability a job type implements to choose its own
// partition. The returned key groups the job with its tenant's FIFO
// sub-queue.
type PartitionKeyer interface {
	PartitionKey() string
}

// Job is a minimal typed unit of work. Serialization of Payload is the
// host's concern; the broker stores it verbatim.
type Job struct {
	// Name identifies the job type for the host's handler registry.
	Name string `json:"name"`

	// Queue is the logical queue the job belongs to.
	Queue string `json:"queue"`

	// Payload is the opaque job body.
	Payload []byte `json:"payload"`

	// Partition, when non-empty, pins the job to a tenant sub-queue.
	Partition string `json:"partition,omitempty"`
}

// PartitionKey implements PartitionKeyer.
func (j *Job) PartitionKey() string { return j.Partition }

// keyed pairs an arbitrary payload with a partition key attached at
// dispatch time.
type keyed struct {
	payload any
	key     string
}

// PartitionKey implements PartitionKeyer.
func (k *keyed) PartitionKey() string { return k.key }

// Value returns the wrapped payload.
func (k *keyed) Value() any { return k.payload }

// WithPartition wraps any payload so it dispatches under the given
// partition key. Use it when the payload type cannot implement
// PartitionKeyer itself.
func WithPartition(payload any, key string) PartitionKeyer {
	return &keyed{payload: payload, key: key}
}
