package aggregator

import "fmt"

// MalformedRecordError reports an inbound payload that could not be decoded.
// The record is dropped and the pipeline continues.
type MalformedRecordError struct {
	Kind   StreamKind
	Line   string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record: %s", e.Kind, e.Reason)
}

// ConfigurationError reports an invalid configuration value. It is fatal
// and raised before any record is processed.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}
