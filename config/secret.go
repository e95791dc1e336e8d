package config

import (
	"gopkg.in/yaml.v3"
)

// SecretString wraps a string value that should be treated as sensitive,
// such as a database DSN carrying a password. Secret values are hidden in
// logs.
type SecretString struct {
	value    string
	isSecret bool
}

// NewSecretString creates a new SecretString with the given value.
func NewSecretString(value string) SecretString {
	return SecretString{value: value, isSecret: true}
}

// PlainString creates a SecretString that is not hidden.
func PlainString(value string) SecretString {
	return SecretString{value: value}
}

// Value returns the actual value.
func (s SecretString) Value() string {
	return s.value
}

// WithValue returns a copy holding value, keeping the secret flag.
func (s SecretString) WithValue(value string) SecretString {
	s.value = value
	return s
}

// IsSecret returns true if this value should be treated as sensitive.
func (s SecretString) IsSecret() bool {
	return s.isSecret
}

// String returns a redacted representation for logging.
func (s SecretString) String() string {
	if s.isSecret && s.value != "" {
		return "[hidden]"
	}
	return s.value
}

// UnmarshalYAML implements yaml.Unmarshaler to handle the !secret tag.
func (s *SecretString) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!secret" {
		s.isSecret = true
	}

	var value string
	if err := node.Decode(&value); err != nil {
		return err
	}
	s.value = value
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s SecretString) MarshalYAML() (any, error) {
	if s.isSecret {
		return &yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   "!secret",
			Value: s.value,
		}, nil
	}
	return s.value, nil
}
