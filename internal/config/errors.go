package config

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrParsingEnv    = errors.New("failed to parse environment configuration")
	ErrParsingFile   = errors.New("failed to parse config file")
)
