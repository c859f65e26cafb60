// Package session holds the data model shared by the session lifecycle, the
// dispatch coordinator and the observer protocol, plus the boundary with the
// external messaging account (Provider).
//
// Values in this package are immutable snapshots: State and Recipient are
// passed by value and slices are copied on read.
package session
