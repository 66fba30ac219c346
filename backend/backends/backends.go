// Package backends imports all built-in backends for auto-registration.
// Import this package to have all backends registered with the default registry.
package backends

import (
	// Import all backends for side-effect registration
	_ "github.com/drblury/backplane/backend/jetstream"
	_ "github.com/drblury/backplane/backend/memory"
	_ "github.com/drblury/backplane/backend/mongo"
	_ "github.com/drblury/backplane/backend/postgres"
	_ "github.com/drblury/backplane/backend/sqlite"
)
