// Package metrics holds the backend neutral instrumentation types shared by
// the event sourcing packages. Concrete backends live under adapters/.
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time:
//
//	defer m.RepoLoadDuration("user").ObserveDuration()
type Timer interface {
	ObserveDuration()
}
