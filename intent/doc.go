// Package intent turns free text into a structured Understanding and a
// goal. KeywordParser is rule based; ModelParser asks a language model and
// falls back to keywords.
package intent
