// Package remediation is the decision-and-dispatch core of remedy. It turns
// an ingested alert into zero or more gated executions: the trigger matcher
// finds candidate (trigger, runbook) pairs, the per-scope circuit breaker
// and per-runbook rate limiter decide admission, the orchestrating Service
// applies approval policy, and the worker Pool dispatches admitted work to
// the action runner and feeds outcomes back into the breaker.
package remediation
