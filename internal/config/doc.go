// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Every channel tuning knob (backoff base and cap, jitter range, unsubscribe grace)
// can additionally be overridden with a TASKPULSE_* environment variable, so a
// deployment never needs a rebuilt config file to retune reconnection behavior.
package config
