// Package source resolves module and bundle source locators to local
// directories. Git sources are cloned into a content-addressed cache under
// the braid home directory and reused while their fingerprint matches;
// local paths and registered namespaces resolve without touching the
// network.
package source
