package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	// RubricSourceGenerated marks a rubric synthesized by the AI pipeline.
	RubricSourceGenerated = "generated"
	// RubricSourceManual marks a rubric authored by a teacher.
	RubricSourceManual = "manual"
)

// Rubric is the grading guide for a subjective question. Criteria holds the
// structured criterion list as produced by generation or manual authoring.
type Rubric struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	QuestionID uint           `gorm:"not null;uniqueIndex" json:"question_id"`
	Criteria   datatypes.JSON `gorm:"type:jsonb" json:"criteria"`
	Source     string         `gorm:"size:32;not null" json:"source"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
