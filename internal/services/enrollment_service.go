package services

import (
	"fmt"

	"gorm.io/gorm"

	"coursepay/internal/models"
)

// EnrollmentService grants course access as a side effect of completed
// payments. Grants are idempotent per (student, course): an existing
// enrollment makes the item a no-op, never an error, so a payment with one
// already-owned course still enrolls the remaining items.
type EnrollmentService struct {
	db *gorm.DB
}

func NewEnrollmentService(db *gorm.DB) *EnrollmentService {
	return &EnrollmentService{db: db}
}

// GrantForPayment inserts one enrollment per payment item, skipping pairs
// that already exist. It runs on tx so the grants commit or roll back with
// the payment's status flip. Returns the number of rows actually created.
func (s *EnrollmentService) GrantForPayment(tx *gorm.DB, payment *models.Payment) (int, error) {
	created := 0
	for _, item := range payment.Items {
		var count int64
		if err := tx.Model(&models.Enrollment{}).
			Where("student_id = ? AND course_id = ?", payment.StudentID, item.CourseID).
			Count(&count).Error; err != nil {
			return created, fmt.Errorf("failed to check enrollment for course %d: %w", item.CourseID, err)
		}
		if count > 0 {
			continue
		}

		enrollment := models.Enrollment{
			StudentID: payment.StudentID,
			CourseID:  item.CourseID,
			PricePaid: item.Price,
			Currency:  item.Currency,
		}
		if err := tx.Create(&enrollment).Error; err != nil {
			return created, fmt.Errorf("failed to create enrollment for course %d: %w", item.CourseID, err)
		}
		created++
	}
	return created, nil
}

// IsEnrolled reports whether the student already holds access to the course.
func (s *EnrollmentService) IsEnrolled(studentID, courseID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.Enrollment{}).
		Where("student_id = ? AND course_id = ?", studentID, courseID).
		Count(&count).Error
	return count > 0, err
}
