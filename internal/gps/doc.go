// Package gps is the vehicle's location source.
//
// A Service reads one backend (NMEA over USB serial, gpsd, a simulator, or a
// recorded track) and offers a one-shot Current read plus cancellable
// subscriptions that receive every new fix.
package gps
