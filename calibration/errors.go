package calibration

import "github.com/pkg/errors"

var (
	// ErrInvalidConfig wraps every configuration problem found by
	// Config.Validate or while loading a config file.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrRaggedRecord is returned when a record's parts disagree on the
	// batch size or differ in shape from earlier records.
	ErrRaggedRecord = errors.New("ragged calibration record")

	// ErrBadArchive is returned when a calibration archive cannot be read.
	ErrBadArchive = errors.New("malformed calibration archive")
)
