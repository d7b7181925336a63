// Package events defines the named-event publishing surface pipeline
// components use to notify downstream observers. The engine depends only on
// the Publisher interface; no subscriber is required for correct operation.
package events
