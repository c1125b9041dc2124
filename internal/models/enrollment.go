package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment grants one student access to one course. Created at most once per
// (student, course) pair; reconciliation treats an existing row as a no-op.
type Enrollment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	StudentID uint `gorm:"uniqueIndex:idx_enrollment_student_course;not null" json:"student_id"`
	CourseID  uint `gorm:"uniqueIndex:idx_enrollment_student_course;not null" json:"course_id"`

	PricePaid float64 `gorm:"type:decimal(15,2)" json:"price_paid"`
	Currency  string  `gorm:"type:varchar(10)" json:"currency"`

	ProgressPercent  float64    `gorm:"type:decimal(5,2);default:0" json:"progress_percent"`
	CompletedLessons int        `gorm:"default:0" json:"completed_lessons"`
	LastAccessedAt   *time.Time `json:"last_accessed_at,omitempty"`
}
