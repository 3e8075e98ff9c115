// Package resilience routes calls to external workers through a fixed stack
// of protections, one set per resource class.
//
// # Concurrency limiting
//
// ConcurrencyLimiter bounds in-flight calls per resource class. Waiters are
// admitted in FIFO order and give up after the queue timeout.
//
// # Circuit breaking
//
// CircuitBreaker opens after FailureThreshold failures inside the monitoring
// window. Recovery is measured from the moment the circuit opened; once the
// timeout has passed a single trial call is admitted in HALF_OPEN.
//
//	breakers := resilience.NewBreakerSet(resilience.DefaultCircuitBreakerConfig(""))
//	gen, err := breakers.Get("security").Allow()
//
// # Progressive timeouts
//
// ProgressiveTimeoutExecutor runs a call under escalating deadlines
// (fast, normal, slow by default). Each tier has its own context, which is
// cancelled before the next tier starts.
//
// # Coordinated retries
//
// RetryCoordinator ties the pieces together. A logical call holds one limiter
// slot, checks the breaker before every try, runs the try under the tier
// chain and retries retryable failures with capped exponential backoff.
// Every try is handed to an AttemptRecorder.
//
//	coordinator := resilience.NewRetryCoordinator(resilience.DefaultRetryConfig(), resilience.CoordinatorDeps{
//		Limiter:  limiter,
//		Breakers: breakers,
//		Executor: executor,
//		Recorder: monitor,
//	})
//	result, err := coordinator.Run(ctx, resilience.WorkItem{
//		ResourceClass: "security",
//		Payload:       candidate,
//		Call:          invoke,
//	})
//
// Retrier is the plain retry loop without any of the bookkeeping, used for
// infrastructure writes such as report persistence.
//
// # Alerting
//
// AlertManager fans breaker transitions, health changes and surfaced errors
// out to AlertHandlers.
package resilience
