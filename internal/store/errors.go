package store

import "errors"

var (
	ErrEntryNotFound  = errors.New("queue entry not found")
	ErrDoctorNotFound = errors.New("doctor not found")
	ErrDoctorExists   = errors.New("doctor already exists")
	// ErrDoctorCodeTaken is returned when another doctor already uses the
	// code that prefixes serial numbers.
	ErrDoctorCodeTaken = errors.New("doctor code already in use")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicateSerial = errors.New("duplicate serial number")
)
