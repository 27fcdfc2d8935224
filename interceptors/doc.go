// Package interceptors wraps a messaging.Handler with cross-cutting concerns.
//
// Interceptors run in the order they are added, the final handler last:
//
//	handler := interceptors.NewChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewRetryInterceptor(policy, isConflict)).
//		Then(router.Handle)
//
// An error returned through the chain reaches the consumer, which leaves the
// message uncommitted for redelivery.
package interceptors
