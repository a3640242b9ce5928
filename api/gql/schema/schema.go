// Package schema is the read-only GraphQL view of builds and the step
// queue.
package schema

import (
	"errors"
	"time"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/google/uuid"
	"github.com/graphql-go/graphql"
	"gorm.io/gorm"
)

const defaultLimit = 25

// New instantiates a fresh GraphQL schema for quarry's API.
func New(db *gorm.DB) graphql.SchemaConfig {
	r := &resolver{db: db}
	return graphql.SchemaConfig{
		Query: graphql.NewObject(
			graphql.ObjectConfig{
				Name:   "Query",
				Fields: r.fields(),
			},
		),
	}
}

type resolver struct {
	db *gorm.DB
}

var jobStepType = graphql.NewObject(graphql.ObjectConfig{
	Name: "JobStep",
	Fields: graphql.Fields{
		"id":         idField(func(v any) uuid.UUID { return v.(*models.JobStep).ID }),
		"job_id":     idField(func(v any) uuid.UUID { return v.(*models.JobStep).JobID }),
		"label":      &graphql.Field{Type: graphql.String},
		"status":     &graphql.Field{Type: graphql.String},
		"result":     &graphql.Field{Type: graphql.String},
		"created_at": timeField(func(v any) time.Time { return v.(*models.JobStep).CreatedAt }),
	},
})

var jobType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Job",
	Fields: graphql.Fields{
		"id":     idField(func(v any) uuid.UUID { return v.(*models.Job).ID }),
		"number": &graphql.Field{Type: graphql.Int},
		"label":  &graphql.Field{Type: graphql.String},
		"status": &graphql.Field{Type: graphql.String},
		"result": &graphql.Field{Type: graphql.String},
	},
})

func (r *resolver) buildType() *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Build",
		Fields: graphql.Fields{
			"id":            idField(func(v any) uuid.UUID { return v.(*models.Build).ID }),
			"project_id":    idField(func(v any) uuid.UUID { return v.(*models.Build).ProjectID }),
			"collection_id": idField(func(v any) uuid.UUID { return v.(*models.Build).CollectionID }),
			"number":        &graphql.Field{Type: graphql.Int},
			"label":         &graphql.Field{Type: graphql.String},
			"target":        &graphql.Field{Type: graphql.String},
			"author":        &graphql.Field{Type: graphql.String},
			"cause":         &graphql.Field{Type: graphql.String},
			"status":        &graphql.Field{Type: graphql.String},
			"result":        &graphql.Field{Type: graphql.String},
			"created_at":    timeField(func(v any) time.Time { return v.(*models.Build).CreatedAt }),
			"jobs": &graphql.Field{
				Type: graphql.NewList(jobType),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					var jobs []*models.Job
					err := r.db.WithContext(p.Context).
						Where("build_id = ?", p.Source.(*models.Build).ID).
						Order("number ASC").
						Find(&jobs).Error
					return jobs, err
				},
			},
		},
	})
}

func (r *resolver) fields() graphql.Fields {
	build := r.buildType()

	return graphql.Fields{
		"build": &graphql.Field{
			Type: build,
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				id, err := uuid.Parse(p.Args["id"].(string))
				if err != nil {
					return nil, err
				}
				var b models.Build
				if err := r.db.WithContext(p.Context).First(&b, "id = ?", id).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return nil, nil
					}
					return nil, err
				}
				return &b, nil
			},
		},
		"builds": &graphql.Field{
			Type: graphql.NewList(build),
			Args: graphql.FieldConfigArgument{
				"project": &graphql.ArgumentConfig{Type: graphql.String},
				"limit":   &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: defaultLimit},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				q := r.db.WithContext(p.Context).Model(&models.Build{})
				if slug, ok := p.Args["project"].(string); ok && slug != "" {
					q = q.Where("project_id IN (?)", r.db.Model(&models.Project{}).Select("id").Where("slug = ?", slug))
				}
				var builds []*models.Build
				err := q.Order("created_at DESC").Limit(p.Args["limit"].(int)).Find(&builds).Error
				return builds, err
			},
		},
		"queuedSteps": &graphql.Field{
			Type: graphql.NewList(jobStepType),
			Args: graphql.FieldConfigArgument{
				"cluster": &graphql.ArgumentConfig{Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (any, error) {
				q := r.db.WithContext(p.Context).Where("status = ?", models.StatusQueued)
				if cluster, ok := p.Args["cluster"].(string); ok && cluster != "" {
					q = q.Where("cluster_id IN (?)", r.db.Model(&models.Cluster{}).Select("id").Where("label = ?", cluster))
				}
				var steps []*models.JobStep
				err := q.Order("created_at DESC").Find(&steps).Error
				return steps, err
			},
		},
	}
}

func idField(get func(any) uuid.UUID) *graphql.Field {
	return &graphql.Field{
		Type: graphql.String,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			return get(p.Source).String(), nil
		},
	}
}

func timeField(get func(any) time.Time) *graphql.Field {
	return &graphql.Field{
		Type: graphql.DateTime,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			return get(p.Source), nil
		},
	}
}
