package common

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is shared, building a validator is expensive
var validate = validator.New()

// ValidateSocketConfig checks the arguments of a socket before any network activity.
// IPv6 literals are rejected by the hostname rule since they contain colons.
func ValidateSocketConfig(c SocketConfig) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid socket config: %w", err)
	}
	return nil
}

// ValidateHubConfig checks the hub configuration
func ValidateHubConfig(c HubConfig) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid hub config: %w", err)
	}
	return nil
}

// ValidateServerConfig checks the frame server configuration
func ValidateServerConfig(c ServerConfig) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}
