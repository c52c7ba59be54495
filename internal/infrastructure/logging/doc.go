// Package logging provides structured logging for Fieldgate Core.
//
// Built on log/slog, it adds configuration-driven setup (level, format,
// output) and default fields (service, version) applied to every record.
// Components that should remain decoupled from this package accept their
// own small Logger interface and receive *logging.Logger at wiring time.
package logging
