package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LoadProjectOptions returns the options of a project as a lookup map.
func LoadProjectOptions(db *gorm.DB, projectID uuid.UUID) (map[string]string, error) {
	var rows []ProjectOption
	if err := db.Where("project_id = ?", projectID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return Options(rows), nil
}

// LoadPlanOptions returns the options of a plan as a lookup map.
func LoadPlanOptions(db *gorm.DB, planID uuid.UUID) (map[string]string, error) {
	var rows []PlanOption
	if err := db.Where("plan_id = ?", planID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return Options(rows), nil
}

// BuildStep returns the lowest-ordered step of a plan.
func BuildStep(db *gorm.DB, planID uuid.UUID) (*PlanStep, error) {
	var step PlanStep
	if err := db.Where("plan_id = ?", planID).Order("step_order ASC").First(&step).Error; err != nil {
		return nil, err
	}
	return &step, nil
}
