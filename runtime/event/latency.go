package event

// Bucket is a canonical latency bucket token. Buckets partition request
// durations into the fixed ranges used by the canonical summary line.
type Bucket string

// Latency buckets, ordered. BucketUnknown is used when no performance data
// was recorded.
const (
	BucketSub50    Bucket = "P_SUB_50MS"
	Bucket50To200  Bucket = "P_50_200MS"
	Bucket200To500 Bucket = "P_200_500MS"
	Bucket500To1s  Bucket = "P_500_1000MS"
	BucketOver1s   Bucket = "P_OVER_1000MS"
	BucketUnknown  Bucket = "P_UNKNOWN"
)

// BucketFor returns the latency bucket for the event's recorded duration, or
// BucketUnknown when the event carries no performance facet.
func BucketFor(perf *Performance) Bucket {
	if perf == nil {
		return BucketUnknown
	}
	switch ms := perf.DurationMS; {
	case ms < 50:
		return BucketSub50
	case ms < 200:
		return Bucket50To200
	case ms < 500:
		return Bucket200To500
	case ms <= 1000:
		return Bucket500To1s
	default:
		return BucketOver1s
	}
}
