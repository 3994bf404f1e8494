// Package model defines the provider-agnostic language model abstraction
// used for goal understanding.
//
// Providers (see the anthropic and openai sub-packages) implement Model so
// callers such as intent.ModelParser stay independent of vendor SDKs.
// MockModel serves tests.
package model
