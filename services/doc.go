// Package services holds the domain layer on top of the delivery engine:
// task submission and processing, the status sink and notification fan-out.
// Each service publishes through a queue-bound Publisher and plugs into the
// engine as a Processor; none of them touch the broker directly.
package services
