// Package logx is bulkcast's logging layer over zerolog.
//
// A Service owns the sinks: a console writer and an optional JSON file. Every
// Logger it hands out, including ones derived with With or Named, follows
// later Service.Apply calls, so a config reload changes level and sinks for
// components that were built earlier.
package logx
