// Package policy provides Rego-based policy evaluation for Loom. It
// implements the engine's decision policy for risky and dangerous
// steps, admission checks run against plans before scheduling, and a
// file loader with hot reload for operator-supplied policies.
package policy
