package models

import "time"

// FeedSource is the persisted health record of one signal source. It is
// upserted by the collector after every poll cycle.
type FeedSource struct {
	Name         string     `gorm:"type:varchar(100);primaryKey" json:"name"`
	SourceType   string     `gorm:"type:varchar(30);not null" json:"sourceType"`
	Endpoint     string     `gorm:"type:varchar(255)" json:"endpoint"`
	PollInterval string     `gorm:"type:varchar(20)" json:"pollInterval"`
	Enabled      bool       `gorm:"not null" json:"enabled"`
	LastPollAt   *time.Time `gorm:"type:timestamptz" json:"lastPollAt,omitempty"`
	LastError    *string    `gorm:"type:text" json:"lastError,omitempty"`
	HealthStatus string     `gorm:"type:varchar(20);not null" json:"healthStatus"`
	UpdatedAt    time.Time  `gorm:"type:timestamptz;autoUpdateTime" json:"updatedAt"`
}

func (FeedSource) TableName() string {
	return "feed_sources"
}
