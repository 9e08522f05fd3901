// Package router talks to the router's device-list endpoint.
//
// It knows how to fetch the XML document (retrying flaky embedded web servers
// with a linear backoff), how to decode it into a flat list of devices, and how
// to derive for how long a device has been connected.
//
package router
