// Package store is the durable, digest-addressed memory of regwatch: per-scraper
// run state with its visited-URL set, a capped history of content versions per URL
// and generic typed records. Every key is reduced to a fixed-length digest before it
// touches the storage provider, so callers never construct storage paths.
//
// Operations never panic. Each returns a usable default together with a
// *StorageError when the provider fails, and logs the failure.
package store
