package quota

import "github.com/tutorstack/quotaledger/internal/config"

// Bucket identifies an independent quota category. Each bucket carries its
// own canonical limit and its own used/reset_at tracking per user; buckets
// never interact.
type Bucket string

const (
	// BucketLearningActions covers interactive learning actions (tutoring
	// chat turns, practice questions).
	BucketLearningActions Bucket = "learning_actions"
	// BucketExplanations covers automated explanation generation.
	BucketExplanations Bucket = "explanations"
	// BucketLectureUploads covers course PDF uploads.
	BucketLectureUploads Bucket = "lecture_uploads"
)

// AllBuckets lists every known bucket, in provisioning order.
var AllBuckets = []Bucket{BucketLearningActions, BucketExplanations, BucketLectureUploads}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketLearningActions, BucketExplanations, BucketLectureUploads:
		return true
	}
	return false
}

// Limits maps each bucket to its canonical per-period limit. A reset
// restores the record's limit to this value, reverting any admin override.
type Limits map[Bucket]int

// LimitsFromConfig builds the canonical limit table from configuration.
func LimitsFromConfig(cfg config.QuotaConfig) Limits {
	return Limits{
		BucketLearningActions: cfg.LearningActionsLimit,
		BucketExplanations:    cfg.ExplanationsLimit,
		BucketLectureUploads:  cfg.LectureUploadsLimit,
	}
}
