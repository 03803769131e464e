package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrConnectorRead  = errors.New("connector read error")
	ErrConnectorApply = errors.New("connector apply error")
	ErrRunAborted     = errors.New("run aborted")
	ErrRunSealed      = errors.New("run is sealed")
	ErrRunNotFound    = errors.New("run not found")
	ErrRunInProgress  = errors.New("another live run is in progress")
)

// ConfigurationError reports a bad policy definition. It is raised while loading,
// before any person is processed.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Msg)
}

func ConfigErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
