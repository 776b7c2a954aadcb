// Package messaging publishes messages to a broker.
//
// The identity core only produces: SMS gateway requests and security events.
// Kafka and NATS drivers are provided; NewFromDriver picks one by name.
package messaging
