/*
Package health provides reusable building blocks for probing the
liveness of an external dependency. Today cmd/parsecd uses it for one
thing: confirming the raft transport's own bind address still accepts
connections, fed into pkg/metrics' "raft" readiness component alongside
the leadership-change gauge.

It does not expose parsecd's own /healthz, /readyz, and /livez
handlers — those live in pkg/metrics (HealthHandler, ReadyHandler,
LivenessHandler), which tracks this process's own component readiness.
This package is the client side: something that asks "is that other
thing up?" on a timer.

# Checkers

Checker is the common interface; TCPChecker is its current
implementation. It returns a Result{Healthy, Message, CheckedAt,
Duration} regardless of how the check failed, so a caller can log or
retry uniformly:

	c := health.NewTCPChecker("10.0.0.5:7000").WithTimeout(2 * time.Second)
	result := c.Check(ctx)
	if !result.Healthy {
		log.Logger.Warn().Str("peer", "10.0.0.5:7000").Msg(result.Message)
	}

# Debouncing flaky results

Status accumulates consecutive successes/failures against a Config's
Retries threshold, so a single dropped probe during a raft leader
election does not flip a peer from healthy to unhealthy and back:

	cfg := health.DefaultConfig()
	st := health.NewStatus()
	st.Update(checker.Check(ctx), cfg)
	if !st.Healthy {
		// only true after cfg.Retries consecutive failures
	}

StartPeriod gives a freshly joined peer time to come up before its
absence counts against it.
*/
package health
