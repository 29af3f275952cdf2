// Package wire defines the hopwire packet formats: the fixed 50-byte common
// header, the typed payload records for every packet kind, and the packed
// 8-byte heartbeat delay-negotiation extension. The session engine only ever
// sees the decoded record types; raw byte handling stops at this package.
package wire
