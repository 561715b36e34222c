/*
Package log provides structured logging for parsecd using zerolog.

The global Logger is a zerolog.Logger configured once at process
startup by Init, from the level/format a cobra/viper config layer
resolves. Every package that logs does so through this Logger or one of
the child-logger helpers below, rather than rolling its own; pkg/dispatch
is the one place that logs unmapped component errors (see the
Error-handling section of SPEC_FULL.md), always with the command name and
the organization and device the error occurred under.

# Child loggers

	log.WithComponent("vlob")                  // adds component=vlob
	log.WithOrganization(string(org))           // adds organization=...
	log.WithRealm(string(org), realmID.String()) // adds organization=..., realm_id=...
	log.WithDevice(string(device))              // adds device=...

These return a plain zerolog.Logger, not a pointer, so callers hold
them by value and chain off them with .Info()/.Error() as usual.

# Levels and output

Init(Config{Level, JSONOutput, Output}) sets the global level via
zerolog.SetGlobalLevel and chooses between zerolog.ConsoleWriter (human
output, the default) and raw JSON (selected in cmd/parsecd with
--log-json or the log_json config key, so log aggregation can parse it).
Output defaults to os.Stdout.

Helper functions (Info, Debug, Warn, Error, Errorf, Fatal) exist for
call sites that want a one-line log without building a child logger
first; they all write through the same global Logger.
*/
package log
