// Package daemon assembles botkitd: the rate limiter, task registry,
// health monitor and worker manager, their optional NATS and Redis
// backends, and the HTTP API in front of them.
package daemon
