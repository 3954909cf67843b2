package health

import (
	"slices"
	"time"
)

// report builds a Status at the given level. Healthy is derived from
// the level so the two can never disagree.
func report(component, level, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == levelHealthy,
		Status:    level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy reports a component as fully operational.
func NewHealthy(component, message string) Status {
	return report(component, levelHealthy, message)
}

// NewDegraded reports a component as impaired but still serving.
func NewDegraded(component, message string) Status {
	return report(component, levelDegraded, message)
}

// NewUnhealthy reports a component as not serving.
func NewUnhealthy(component, message string) Status {
	return report(component, levelUnhealthy, message)
}

// Aggregate rolls sub-statuses up into a single parent status using
// worst-case rules: one unhealthy sub-component makes the parent
// unhealthy, otherwise one degraded sub-component makes it degraded.
// The sub-statuses are attached to the result.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	worst := levelHealthy
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			worst = levelUnhealthy
		case sub.IsDegraded() && worst == levelHealthy:
			worst = levelDegraded
		}
	}

	var result Status
	switch worst {
	case levelUnhealthy:
		result = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case levelDegraded:
		result = NewDegraded(component, "One or more sub-components are degraded")
	default:
		result = NewHealthy(component, "All sub-components are healthy")
	}
	result.SubStatuses = slices.Clone(subStatuses)
	return result
}
