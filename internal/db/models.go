package db

import (
	"encoding/json"
	"time"
)

// Headline status lifecycle. A headline is pending until the taxonomy matcher
// has run, assigned once at least one centroid matched, out_of_scope when none
// did, blocked when a stop term vetoed it, and tracked once the router has
// placed it into its period buckets.
const (
	HeadlineStatusPending    = "pending"
	HeadlineStatusAssigned   = "assigned"
	HeadlineStatusOutOfScope = "out_of_scope"
	HeadlineStatusBlocked    = "blocked"
	HeadlineStatusTracked    = "tracked"
)

const (
	CentroidClassGeo      = "geo"
	CentroidClassSystemic = "systemic"
)

const (
	ClassificationDomestic  = "domestic"
	ClassificationBilateral = "bilateral"
	ClassificationOtherIntl = "other_international"
)

// FeedSource maps sni.feed_sources.
type FeedSource struct {
	FeedID        int64      `gorm:"column:feed_id;primaryKey;autoIncrement"`
	URL           string     `gorm:"column:url;type:text;not null;unique"`
	Label         string     `gorm:"column:label;type:text;not null"`
	ETag          *string    `gorm:"column:etag;type:text"`
	LastModified  *string    `gorm:"column:last_modified;type:text"`
	WatermarkAt   *time.Time `gorm:"column:watermark_at;type:timestamptz"`
	Active        bool       `gorm:"column:active;type:boolean;not null;default:true"`
	LastFetchedAt *time.Time `gorm:"column:last_fetched_at;type:timestamptz"`
	LastError     *string    `gorm:"column:last_error;type:text"`
	CreatedAt     time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (FeedSource) TableName() string { return "sni.feed_sources" }

// Headline maps sni.headlines. MatchedCentroids and MatchedAliases are JSON
// arrays of strings in match order; the matcher only ever appends.
type Headline struct {
	HeadlineID       int64           `gorm:"column:headline_id;primaryKey;autoIncrement"`
	FeedID           *int64          `gorm:"column:feed_id;type:bigint"`
	Source           string          `gorm:"column:source;type:text;not null"`
	Title            string          `gorm:"column:title;type:text;not null"`
	NormalizedTitle  string          `gorm:"column:normalized_title;type:text;not null"`
	Language         string          `gorm:"column:language;type:text;not null;default:und"`
	ContentHash      []byte          `gorm:"column:content_hash;type:bytea;not null;uniqueIndex"`
	PublishedAt      *time.Time      `gorm:"column:published_at;type:timestamptz"`
	Status           string          `gorm:"column:status;type:text;not null;default:pending"`
	MatchedCentroids json.RawMessage `gorm:"column:matched_centroids;type:jsonb"`
	MatchedAliases   json.RawMessage `gorm:"column:matched_aliases;type:jsonb"`
	PassReached      int             `gorm:"column:pass_reached;type:integer;not null;default:0"`
	CreatedAt        time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Headline) TableName() string { return "sni.headlines" }

// Centroid maps sni.centroids. Static reference data seeded from the
// taxonomy file; the pipeline never mutates it.
type Centroid struct {
	CentroidID  string    `gorm:"column:centroid_id;type:text;primaryKey"`
	Label       string    `gorm:"column:label;type:text;not null"`
	Class       string    `gorm:"column:class;type:text;not null"`
	CountryCode *string   `gorm:"column:country_code;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Centroid) TableName() string { return "sni.centroids" }

// PeriodBucket maps sni.period_buckets, the (centroid, track, month) unit
// owning a month of events.
type PeriodBucket struct {
	BucketID   int64     `gorm:"column:bucket_id;primaryKey;autoIncrement"`
	CentroidID string    `gorm:"column:centroid_id;type:text;not null;uniqueIndex:ux_bucket_ctm,priority:1"`
	Track      string    `gorm:"column:track;type:text;not null;uniqueIndex:ux_bucket_ctm,priority:2"`
	Month      string    `gorm:"column:month;type:text;not null;uniqueIndex:ux_bucket_ctm,priority:3"`
	TitleCount int       `gorm:"column:title_count;type:integer;not null;default:0"`
	Frozen     bool      `gorm:"column:frozen;type:boolean;not null;default:false"`
	CreatedAt  time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt  time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (PeriodBucket) TableName() string { return "sni.period_buckets" }

// Event maps sni.events. BucketKey is the counterpart centroid for bilateral
// events and empty otherwise. Tags is a JSON array of signal strings.
type Event struct {
	EventID        int64           `gorm:"column:event_id;primaryKey;autoIncrement"`
	BucketID       int64           `gorm:"column:bucket_id;type:bigint;not null;index"`
	Classification string          `gorm:"column:classification;type:text;not null"`
	BucketKey      string          `gorm:"column:bucket_key;type:text;not null;default:''"`
	SubAlias       string          `gorm:"column:sub_alias;type:text;not null;default:''"`
	Title          string          `gorm:"column:title;type:text;not null;default:''"`
	Tags           json.RawMessage `gorm:"column:tags;type:jsonb"`
	IsCatchall     bool            `gorm:"column:is_catchall;type:boolean;not null;default:false"`
	SagaID         *int64          `gorm:"column:saga_id;type:bigint"`
	Size           int             `gorm:"column:size;type:integer;not null;default:0"`
	Emergent       bool            `gorm:"column:emergent;type:boolean;not null;default:false"`
	FirstSeenAt    time.Time       `gorm:"column:first_seen_at;type:timestamptz;not null"`
	LastSeenAt     time.Time       `gorm:"column:last_seen_at;type:timestamptz;not null"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Event) TableName() string { return "sni.events" }

// BucketAssignment maps sni.bucket_assignments, the router's per
// (headline, bucket) routing decision, consumed by the clustering engine.
// Clustered flips to true once the headline is linked into an event.
type BucketAssignment struct {
	AssignmentID   int64     `gorm:"column:assignment_id;primaryKey;autoIncrement"`
	HeadlineID     int64     `gorm:"column:headline_id;type:bigint;not null;uniqueIndex:ux_assignment_hb,priority:1"`
	BucketID       int64     `gorm:"column:bucket_id;type:bigint;not null;uniqueIndex:ux_assignment_hb,priority:2;index"`
	Classification string    `gorm:"column:classification;type:text;not null"`
	BucketKey      string    `gorm:"column:bucket_key;type:text;not null;default:''"`
	SubAlias       string    `gorm:"column:sub_alias;type:text;not null;default:''"`
	Clustered      bool      `gorm:"column:clustered;type:boolean;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (BucketAssignment) TableName() string { return "sni.bucket_assignments" }

// EventHeadlineLink maps sni.event_headline_links.
type EventHeadlineLink struct {
	EventID    int64     `gorm:"column:event_id;type:bigint;primaryKey"`
	HeadlineID int64     `gorm:"column:headline_id;type:bigint;primaryKey"`
	LinkedAt   time.Time `gorm:"column:linked_at;type:timestamptz;not null;default:now()"`
}

func (EventHeadlineLink) TableName() string { return "sni.event_headline_links" }

// Tombstone maps sni.tombstones. A tombstoned content hash blocks
// re-ingestion of a purged duplicate.
type Tombstone struct {
	ContentHash []byte    `gorm:"column:content_hash;type:bytea;primaryKey"`
	Reason      string    `gorm:"column:reason;type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Tombstone) TableName() string { return "sni.tombstones" }

// Saga maps sni.sagas.
type Saga struct {
	SagaID    int64     `gorm:"column:saga_id;primaryKey;autoIncrement"`
	Label     string    `gorm:"column:label;type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Saga) TableName() string { return "sni.sagas" }

// StageRun maps sni.stage_runs, one row per daemon stage invocation.
type StageRun struct {
	RunID        int64      `gorm:"column:run_id;primaryKey;autoIncrement"`
	Stage        string     `gorm:"column:stage;type:text;not null"`
	StartedAt    time.Time  `gorm:"column:started_at;type:timestamptz;not null;default:now()"`
	FinishedAt   *time.Time `gorm:"column:finished_at;type:timestamptz"`
	Status       string     `gorm:"column:status;type:text;not null;default:running"`
	Processed    int        `gorm:"column:processed;type:integer;not null;default:0"`
	ErrorMessage *string    `gorm:"column:error_message;type:text"`
}

func (StageRun) TableName() string { return "sni.stage_runs" }

func autoMigrateModels() []any {
	return []any{
		&FeedSource{},
		&Headline{},
		&Centroid{},
		&PeriodBucket{},
		&Event{},
		&BucketAssignment{},
		&EventHeadlineLink{},
		&Tombstone{},
		&Saga{},
		&StageRun{},
	}
}
