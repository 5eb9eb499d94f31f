/*
student.go - Student record and status transitions

PURPOSE:
  Minimal student record: identity, current tier for restriction
  matching, and an active/past status. The past transition is guarded -
  a student cannot be archived while any credit balance (positive or
  negative) remains open.
*/
package lesson

import (
	"context"
	"time"

	"github.com/tutorly/credit-engine/ledger"
)

type StudentStatus string

const (
	StudentActive StudentStatus = "active"
	StudentPast   StudentStatus = "past"
)

func (s StudentStatus) Valid() bool { return s == StudentActive || s == StudentPast }

type Student struct {
	ID     ledger.StudentID
	Name   string
	Tier   string
	Status StudentStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Student) Validate() error {
	if s.Name == "" {
		return &ledger.ValidationError{Field: "name", Message: "required"}
	}
	if !s.Status.Valid() {
		return &ledger.ValidationError{Field: "status", Message: "must be active or past"}
	}
	return nil
}

type StudentStore interface {
	CreateStudent(ctx context.Context, s *Student) error

	// GetStudent returns a student, or a NotFoundError.
	GetStudent(ctx context.Context, id ledger.StudentID) (*Student, error)

	// SetStudentStatus transitions a student's status. The zero-balance
	// precondition for the past transition is the caller's responsibility.
	SetStudentStatus(ctx context.Context, id ledger.StudentID, status StudentStatus) error
}
