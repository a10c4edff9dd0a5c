package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrRoutingGuard is returned for requests addressed to the internal rewrites namespace.
	ErrRoutingGuard = errors.New("request path is in the rewrites namespace")
	// ErrOriginForbidden is returned for requests originating from the production site.
	ErrOriginForbidden = errors.New("requests from the production origin are forbidden")
	ErrBlockNotFound   = errors.New("block not found")
)

// ConfigurationError reports block metadata (or service configuration) for
// which no document can be generated.
type ConfigurationError struct {
	PackagePath string
	Reason      string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for block %s: %s", e.PackagePath, e.Reason)
}

func configErrorf(packagePath, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{
		PackagePath: packagePath,
		Reason:      fmt.Sprintf(format, args...),
	}
}
