/*
Package health provides the Checker interface and HTTP/TCP/exec
implementations used to watch task and agent liveness.

A Checker is polled on Config's Interval with a per-check Timeout; Status
tracks consecutive failures/successes against Config.Retries to decide
whether a Result flips the tracked health state, and InStartPeriod
suppresses failures during Config.StartPeriod the way a container
runtime's start-period grace window does.

The executor supervisor (pkg/executorsup) builds an exec, HTTP or TCP
checker from a task's declared health check and kills the task once its
checks keep failing. Agent ping and registration timeouts do not use
this package.
*/
package health
