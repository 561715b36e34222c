/*
Package metrics defines and registers all of parsecd's Prometheus
metrics, and exposes the process-level health/readiness/liveness HTTP
handlers consumed by cmd/parsecd's /healthz, /readyz, and /livez
routes.

# Metrics catalog

Realm and vlob state (gauges and counters, updated inline by pkg/realm and
pkg/vlob as they mutate storage — there is no periodic collector,
since every mutation already holds the per-realm lock that would make
a separate polling pass redundant):

	parsecd_realms_total
	parsecd_realms_in_maintenance
	parsecd_role_certificates_total
	parsecd_vlobs_total
	parsecd_vlob_versions_total{op="create"|"update"}
	parsecd_vlob_version_conflicts_total
	parsecd_realm_checkpoint{realm_id}

Reencryption maintenance:

	parsecd_reencryption_batches_fetched_total
	parsecd_reencryption_entries_migrated_total
	parsecd_reencryption_remaining{realm_id}

Dispatcher:

	parsecd_commands_total{cmd, status}
	parsecd_command_duration_seconds{cmd}
	parsecd_events_published_total{type}

Raft and FSM:

	parsecd_raft_is_leader
	parsecd_raft_applied_index
	parsecd_raft_apply_duration_seconds

parsecd_raft_is_leader is set only when the replicated backend is
enabled. parsecd_raft_apply_duration_seconds is observed by every
corefsm.FSM.Apply, which also runs without replication.
parsecd_raft_applied_index is registered but no code path sets it.

# Timer helper

Timer wraps time.Now() so a call site can record either a plain
histogram or a label-vector histogram without repeating the
time.Since(start).Seconds() arithmetic:

	timer := metrics.NewTimer()
	// ... do the work ...
	timer.ObserveDurationVec(metrics.CommandDuration, cmd)

# Health, readiness, liveness

HealthHandler, ReadyHandler, and LivenessHandler back cmd/parsecd's
three HTTP probes. RegisterComponent/UpdateComponent record whether a
named dependency (store, raft, dispatch) is currently healthy;
GetReadiness additionally requires every entry in a fixed critical-
component list to be both registered and healthy, so a freshly
started process that hasn't opened its store yet correctly reports
not-ready rather than a false "healthy".
*/
package metrics
