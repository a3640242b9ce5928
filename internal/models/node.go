package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Cluster struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Label     string    `gorm:"uniqueIndex;not null" json:"label"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

type Node struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Label     string    `gorm:"uniqueIndex;not null" json:"label"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// FindOrCreateCluster returns the cluster with label, creating it on first use.
func FindOrCreateCluster(db *gorm.DB, label string) (*Cluster, error) {
	var cluster Cluster
	err := db.Where(Cluster{Label: label}).
		Attrs(Cluster{ID: uuid.New()}).
		FirstOrCreate(&cluster).Error
	if err != nil {
		return nil, err
	}
	return &cluster, nil
}

// FindOrCreateNode returns the node with label, creating it on first use.
func FindOrCreateNode(db *gorm.DB, label string) (*Node, error) {
	var node Node
	err := db.Where(Node{Label: label}).
		Attrs(Node{ID: uuid.New()}).
		FirstOrCreate(&node).Error
	if err != nil {
		return nil, err
	}
	return &node, nil
}
