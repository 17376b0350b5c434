// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/qdispatch/transport/aws"
	_ "github.com/drblury/qdispatch/transport/channel"
	_ "github.com/drblury/qdispatch/transport/http"
	_ "github.com/drblury/qdispatch/transport/kafka"
	_ "github.com/drblury/qdispatch/transport/nats"
	_ "github.com/drblury/qdispatch/transport/postgres"
	_ "github.com/drblury/qdispatch/transport/rabbitmq"
	_ "github.com/drblury/qdispatch/transport/sqlite"
)
