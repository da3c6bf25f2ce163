package service

import "errors"

var (
	ErrInvalidData           = errors.New("invalid data")
	ErrInvalidType           = errors.New("invalid measure type")
	ErrNotFound              = errors.New("not found")
	ErrDuplicateReport       = errors.New("measure already reported for this month")
	ErrDuplicateConfirmation = errors.New("measure already confirmed")
	ErrExtraction            = errors.New("could not read value from image")
	ErrInternal              = errors.New("internal error")
)
