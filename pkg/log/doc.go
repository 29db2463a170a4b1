/*
Package log provides structured logging for the catalog coordinator using
zerolog.

The package wraps zerolog to give every component (registry, broker,
coordinator, sync service, transaction manager, monitor, migrator) a
component-scoped child logger with consistent fields, while keeping a single
process-wide sink so output format and level are configured once at startup.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	coordLog := log.WithComponent("coordinator")
	coordLog.Info().Int("app_id", id).Msg("game created")

	nodeLog := log.WithNodeID("slave_a")
	nodeLog.Warn().Err(err).Msg("write failed, falling back to pending queue")

Console output is used in development (human-readable), JSON in production
(machine-parseable). Never log secrets; the catalog contains no credentials
but connection DSNs must not be logged verbatim.
*/
package log
